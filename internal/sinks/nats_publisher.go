package sinks

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsPublisher is the one outbound event-stream implementation spec.md §6
// asks for: the gateway subscribes to these subjects over NATS and is the
// only consumer, entirely out of this module's scope. Grounded on the
// teacher's watermill usage (internal/architecture/cqrs/eventbus/
// watermill_adapter.go), adapted from its gochannel pub/sub to a real NATS
// transport via watermill-nats.
type NatsPublisher struct {
	pub *nats.Publisher
}

// NewNatsPublisher dials url and wraps the resulting watermill-nats
// publisher. JetStream is left disabled: the gateway subscribing to
// fan-out traffic needs at-most-once delivery, not a replayable stream —
// durability of the core's own state is the WAL/snapshot layer's job
// (internal/durability), not this sink's.
func NewNatsPublisher(url string, logger *zap.Logger) (*NatsPublisher, error) {
	wmLogger := watermill.NewStdLogger(false, false)

	pub, err := nats.NewPublisher(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: []natsgo.Option{natsgo.Name("spotcore-sinks")},
			Marshaler:   &nats.NATSMarshaler{},
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		wmLogger,
	)
	if err != nil {
		return nil, err
	}
	logger.Info("nats sink publisher connected", zap.String("url", url))
	return &NatsPublisher{pub: pub}, nil
}

func (p *NatsPublisher) Name() string { return "nats" }

// Publish ignores ctx beyond existence-checking it: watermill's Publisher
// interface predates context support and the underlying NATS client call
// is a fire-and-forget async publish, so there is nothing to cancel.
func (p *NatsPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := message.NewMessage(uuid.New().String(), payload)
	return p.pub.Publish(subject, msg)
}

func (p *NatsPublisher) Close() error { return p.pub.Close() }
