// Package actions defines the messages that flow through the pipeline's
// four SPSC rings: OrderAction (client-facing, order_queue) and ValidAction
// (post-admission, valid_action_queue), per spec.md §4.1.
package actions

import (
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/matching"
)

// Kind discriminates the four request shapes the client-facing stage may
// submit (spec.md §4.1: Place, Cancel, Reduce, Move).
type Kind uint8

const (
	KindPlace Kind = iota
	KindCancel
	KindReduce
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "PLACE"
	case KindCancel:
		return "CANCEL"
	case KindReduce:
		return "REDUCE"
	case KindMove:
		return "MOVE"
	default:
		return "UNKNOWN"
	}
}

// PlaceRequest carries a full client order prior to admission. OrderId is
// assigned by the ingestion stage (distinct from SeqId, which pre-trade
// assigns only on acceptance).
type PlaceRequest struct {
	OrderId     coretypes.OrderId
	UserId      coretypes.UserId
	SymbolId    coretypes.SymbolId
	Side        coretypes.Side
	OrderType   coretypes.OrderType
	TimeInForce coretypes.TimeInForce
	Price       uint64
	Qty         uint64
	Cid         string

	// LockReferencePrice sizes the pre-trade fund lock for a Market Buy
	// order. Price itself is the admissibility sentinel
	// (coretypes.WorstPrice(Buy) = MaxPrice — see SPEC_FULL.md "Market
	// order sentinel prices") and is unusable as a notional basis, so the
	// submitting layer supplies the book's best ask at admission time
	// here instead. Ignored for Limit orders and for Sell orders (a Sell
	// locks base-asset Qty, which needs no price).
	LockReferencePrice uint64
}

type CancelRequest struct {
	OrderId coretypes.OrderId
	UserId  coretypes.UserId
}

type ReduceRequest struct {
	OrderId coretypes.OrderId
	UserId  coretypes.UserId
	NewQty  uint64
}

type MoveRequest struct {
	OrderId  coretypes.OrderId
	UserId   coretypes.UserId
	NewPrice uint64
}

// OrderAction is one item on order_queue: an as-yet-unvalidated client
// request tagged with its ingestion timestamp.
type OrderAction struct {
	Kind        Kind
	IngestedAtNs int64

	Place  *PlaceRequest
	Cancel *CancelRequest
	Reduce *ReduceRequest
	Move   *MoveRequest
}

// ValidAction is one item on valid_action_queue: an admitted action now
// carrying the canonical SeqId assigned by the Balance Core's pre-trade
// stage (spec.md §4.1 "seq_id assignment happens on this producer side").
type ValidAction struct {
	Kind  Kind
	SeqId coretypes.SeqNum

	Place  *matching.Order
	Cancel *CancelRequest
	Reduce *ReduceRequest
	Move   *MoveRequest
}
