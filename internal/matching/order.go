// Package matching implements the Order Book & Matching Engine component:
// price-time priority matching over two ordered price->FIFO-queue maps,
// time-in-force policies, fee computation and the order_id secondary index
// (spec.md §4.3). Grounded on _examples/original_source/src/{models,orderbook}.rs.
package matching

import "github.com/nexusdex/spotcore/internal/coretypes"

// Order is the matching engine's resident representation of a client
// order. It is mutated only by the engine (spec.md §3 "Lifecycle").
type Order struct {
	OrderId     coretypes.OrderId
	UserId      coretypes.UserId
	SymbolId    coretypes.SymbolId
	Side        coretypes.Side
	OrderType   coretypes.OrderType
	TimeInForce coretypes.TimeInForce
	Price       uint64
	Qty         uint64
	FilledQty   uint64
	Status      coretypes.OrderStatus
	Cid         string
	IngestedAtNs int64
	SeqId       coretypes.SeqNum

	// LockPrice is the price the Balance Core actually locked funds
	// against at admission: the limit price for a Limit Buy, or the
	// admission-time reference price for a Market Buy (Price itself is
	// the WorstPrice admissibility sentinel for Market orders and cannot
	// serve this role — see actions.PlaceRequest.LockReferencePrice).
	// Unused for Sell orders, which lock base-asset Qty directly. The
	// pipeline uses this, not Price, to size settle's buyerLockedQuote.
	LockPrice uint64
}

// RemainingQty is the quantity still open to match.
func (o *Order) RemainingQty() uint64 {
	return o.Qty - o.FilledQty
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.FilledQty >= o.Qty
}

// NewMarketOrder builds a Market order as a Limit at the worst admissible
// price combined with IOC, unifying it with the limit match loop
// (spec.md §4.3 "Market orders").
func NewMarketOrder(orderId coretypes.OrderId, userId coretypes.UserId, symbolId coretypes.SymbolId, side coretypes.Side, qty uint64) *Order {
	return &Order{
		OrderId:     orderId,
		UserId:      userId,
		SymbolId:    symbolId,
		Side:        side,
		OrderType:   coretypes.Market,
		TimeInForce: coretypes.IOC,
		Price:       coretypes.WorstPrice(side),
		Qty:         qty,
		Status:      coretypes.StatusNew,
	}
}
