// Package events defines the append-only records the trading core emits:
// OrderEvent (status transitions), TradeEvent (matches), BalanceEvent
// (every avail/frozen change) and PublicTrade (market data fan-out). They
// are plain data — components communicate only through these, never
// through shared references (spec.md §3 "Ownership").
package events

import "github.com/nexusdex/spotcore/internal/coretypes"

// OrderEvent reports a status transition for one order.
type OrderEvent struct {
	SeqId     coretypes.SeqNum
	OrderId   coretypes.OrderId
	UserId    coretypes.UserId
	SymbolId  coretypes.SymbolId
	Status    coretypes.OrderStatus
	FilledQty uint64
	AvgPrice  uint64
	// RejectReason is set only when Status == StatusRejected; it holds a
	// coreerrors.Code rendered as a string to keep this package free of a
	// dependency on coreerrors (events are leaves in the import graph).
	RejectReason string
	TimestampNs  int64
}

// TradeEvent reports one match. Price is always the maker's price (price
// improvement accrues to the taker, spec.md §4.3).
type TradeEvent struct {
	SeqId          coretypes.SeqNum
	TradeId        coretypes.TradeId
	SymbolId       coretypes.SymbolId
	BuyerOrderId   coretypes.OrderId
	SellerOrderId  coretypes.OrderId
	BuyerUserId    coretypes.UserId
	SellerUserId   coretypes.UserId
	Price          uint64
	Qty            uint64
	TakerSide      coretypes.Side
	BuyerFeeAmount  uint64
	BuyerFeeAssetId coretypes.AssetId
	SellerFeeAmount  uint64
	SellerFeeAssetId coretypes.AssetId
	TimestampNs    int64
}

// BalanceEvent reports a single avail/frozen mutation.
type BalanceEvent struct {
	SeqId       coretypes.SeqNum
	UserId      coretypes.UserId
	AssetId     coretypes.AssetId
	Kind        coretypes.BalanceEventKind
	Delta       int64
	AvailAfter  uint64
	FrozenAfter uint64
	Source      coretypes.BalanceEventSource
	SourceId    uint64
	Version     uint64
	TimestampNs int64
}

// PublicTrade is the anonymized market-data fan-out of a TradeEvent.
type PublicTrade struct {
	SymbolId    coretypes.SymbolId
	Price       uint64
	Qty         uint64
	TakerSide   coretypes.Side
	TimestampNs int64
}

// PublicTradeFrom projects a TradeEvent down to its public fields.
func PublicTradeFrom(t TradeEvent) PublicTrade {
	return PublicTrade{
		SymbolId:    t.SymbolId,
		Price:       t.Price,
		Qty:         t.Qty,
		TakerSide:   t.TakerSide,
		TimestampNs: t.TimestampNs,
	}
}
