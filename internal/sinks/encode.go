package sinks

import (
	"encoding/json"
	"fmt"

	"github.com/nexusdex/spotcore/internal/pipeline"
)

// encode picks the subject an OutboundEvent belongs on and marshals its one
// populated field to JSON, matching spec.md §6's three outbound record
// kinds (order-update, balance event, public trade).
func encode(subjectPrefix string, evt pipeline.OutboundEvent) (subject string, payload []byte, err error) {
	switch {
	case evt.Order != nil:
		payload, err = json.Marshal(evt.Order)
		subject = subjectPrefix + "orders"
	case evt.Balance != nil:
		payload, err = json.Marshal(evt.Balance)
		subject = subjectPrefix + "balances"
	case evt.Public != nil:
		payload, err = json.Marshal(evt.Public)
		subject = subjectPrefix + "trades"
	default:
		return "", nil, fmt.Errorf("sinks: outbound event has no populated field")
	}
	return subject, payload, err
}
