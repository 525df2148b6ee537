package matching

import (
	"time"

	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
)

// FeeSchedule is the per-symbol maker/taker fee configuration (spec.md §6).
// Negative values are accepted, but clampNonNegative turns the resulting
// negative fee into a zero fee amount: no rebate is credited.
type FeeSchedule struct {
	MakerFeeBps int64
	TakerFeeBps int64
}

// applyFee computes fee = notional * bps / 10_000, truncating toward zero
// like the reference's integer notional·fee_bps/10_000 computation.
func applyFee(notional uint64, bps int64) int64 {
	return int64(notional) * bps / 10_000
}

// Engine is the price-time priority matching engine for one symbol. It
// exclusively owns the OrderBook (spec.md §3 "Ownership") and never
// touches a UserAccount directly — balance effects are reported as events
// for the Balance Core to apply during settlement.
type Engine struct {
	logger   *zap.Logger
	book     *OrderBook
	symbolID coretypes.SymbolId
	baseID   coretypes.AssetId
	quoteID  coretypes.AssetId
	fees     FeeSchedule
	poisoned bool
}

func NewEngine(logger *zap.Logger, symbolID coretypes.SymbolId, baseID, quoteID coretypes.AssetId, fees FeeSchedule) *Engine {
	return &Engine{
		logger:   logger,
		book:     NewOrderBook(),
		symbolID: symbolID,
		baseID:   baseID,
		quoteID:  quoteID,
		fees:     fees,
	}
}

// Book exposes the resident order book, e.g. for snapshotting.
func (e *Engine) Book() *OrderBook { return e.book }

// poison marks the engine unusable after a structural invariant violation;
// every subsequent call fails fast with CodeCorruptOrderBook (spec.md §7
// "Structural errors ... poisons the engine, refuses further input").
func (e *Engine) poison(reason string) error {
	e.poisoned = true
	e.logger.Error("matching engine poisoned", zap.String("reason", reason))
	return coreerrors.New(coreerrors.CodeCorruptOrderBook, reason)
}

func (e *Engine) checkAlive() error {
	if e.poisoned {
		return coreerrors.New(coreerrors.CodeCorruptOrderBook, "engine poisoned, refusing input")
	}
	return nil
}

func oppositeSide(s coretypes.Side) coretypes.Side {
	if s == coretypes.Buy {
		return coretypes.Sell
	}
	return coretypes.Buy
}

// admissible reports whether a taker may trade against a resting price,
// honoring the worst-price sentinel that market orders carry.
func admissible(taker *Order, oppositePrice uint64) bool {
	if taker.OrderType == coretypes.Market {
		return true
	}
	if taker.Side == coretypes.Buy {
		return oppositePrice <= taker.Price
	}
	return oppositePrice >= taker.Price
}

// scanFillable walks the opposite book (without mutating anything) and
// reports whether taker's full remaining quantity is matchable at
// admissible prices — the FOK pre-scan (spec.md §4.3 "FOK").
func (e *Engine) scanFillable(taker *Order) bool {
	need := taker.RemainingQty()
	opp := oppositeSide(taker.Side)
	tree := e.book.treeFor(opp)
	ok := false
	tree.Ascend(func(l *level) bool {
		if !admissible(taker, l.price) {
			return false
		}
		for el := l.orders.Front(); el != nil && need > 0; el = el.Next() {
			o := el.Value.(*Order)
			fill := o.RemainingQty()
			if fill > need {
				fill = need
			}
			need -= fill
		}
		if need == 0 {
			ok = true
			return false
		}
		return true
	})
	return ok
}

// Place runs the full matching algorithm for an admitted order
// (spec.md §4.3 "Matching algorithm (Place)").
func (e *Engine) Place(taker *Order, nowNs int64) ([]events.TradeEvent, []events.OrderEvent, error) {
	if err := e.checkAlive(); err != nil {
		return nil, nil, err
	}

	if taker.TimeInForce == coretypes.FOK {
		if !e.scanFillable(taker) {
			taker.Status = coretypes.StatusRejected
			return nil, []events.OrderEvent{e.rejectEvent(taker, nowNs, coreerrors.CodeFOKWouldNotFill)}, nil
		}
	}

	var trades []events.TradeEvent
	var orderEvents []events.OrderEvent
	opp := oppositeSide(taker.Side)

	for taker.RemainingQty() > 0 {
		lvl, maker, ok := e.book.frontOfBest(opp)
		if !ok || !admissible(taker, lvl.price) {
			break
		}

		fillQty := taker.RemainingQty()
		if maker.RemainingQty() < fillQty {
			fillQty = maker.RemainingQty()
		}
		fillPrice := maker.Price

		taker.FilledQty += fillQty
		maker.FilledQty += fillQty

		trade := e.buildTrade(taker, maker, fillPrice, fillQty, nowNs)
		trades = append(trades, trade)

		if maker.IsFilled() {
			maker.Status = coretypes.StatusFilled
			e.book.popFront(opp, lvl)
		} else {
			maker.Status = coretypes.StatusPartiallyFilled
		}
		orderEvents = append(orderEvents, e.statusEvent(maker, nowNs))
	}

	switch taker.TimeInForce {
	case coretypes.GTC:
		if taker.RemainingQty() > 0 {
			if taker.FilledQty > 0 {
				taker.Status = coretypes.StatusPartiallyFilled
			} else {
				taker.Status = coretypes.StatusNew
			}
			e.book.RestOrder(taker)
		} else {
			taker.Status = coretypes.StatusFilled
		}
	case coretypes.IOC, coretypes.FOK:
		if taker.IsFilled() {
			taker.Status = coretypes.StatusFilled
		} else if taker.FilledQty > 0 {
			taker.Status = coretypes.StatusExpired
		} else {
			taker.Status = coretypes.StatusCancelled
		}
	}
	orderEvents = append(orderEvents, e.statusEvent(taker, nowNs))

	return trades, orderEvents, nil
}

func (e *Engine) buildTrade(taker, maker *Order, price, qty uint64, nowNs int64) events.TradeEvent {
	var buyerOrder, sellerOrder *Order
	if taker.Side == coretypes.Buy {
		buyerOrder, sellerOrder = taker, maker
	} else {
		buyerOrder, sellerOrder = maker, taker
	}

	notional := price * qty
	buyerFeeBps := e.fees.TakerFeeBps
	sellerFeeBps := e.fees.TakerFeeBps
	if taker.Side == coretypes.Buy {
		sellerFeeBps = e.fees.MakerFeeBps
	} else {
		buyerFeeBps = e.fees.MakerFeeBps
	}

	buyerFee := applyFee(qty, buyerFeeBps)       // fee asset = base (received by buyer)
	sellerFee := applyFee(notional, sellerFeeBps) // fee asset = quote (received by seller)

	return events.TradeEvent{
		TradeId:          e.book.NextTradeId(),
		SymbolId:         e.symbolID,
		BuyerOrderId:     buyerOrder.OrderId,
		SellerOrderId:    sellerOrder.OrderId,
		BuyerUserId:      buyerOrder.UserId,
		SellerUserId:     sellerOrder.UserId,
		Price:            price,
		Qty:              qty,
		TakerSide:        taker.Side,
		BuyerFeeAmount:   clampNonNegative(buyerFee),
		BuyerFeeAssetId:  e.baseID,
		SellerFeeAmount:  clampNonNegative(sellerFee),
		SellerFeeAssetId: e.quoteID,
		TimestampNs:      nowNs,
	}
}

// clampNonNegative floors a signed fee/rebate to zero: a negative fee
// (spec.md §9.2) yields neither a charge nor any rebate.
func clampNonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func (e *Engine) statusEvent(o *Order, nowNs int64) events.OrderEvent {
	return events.OrderEvent{
		OrderId:     o.OrderId,
		UserId:      o.UserId,
		SymbolId:    o.SymbolId,
		Status:      o.Status,
		FilledQty:   o.FilledQty,
		AvgPrice:    o.Price,
		TimestampNs: nowNs,
	}
}

func (e *Engine) rejectEvent(o *Order, nowNs int64, code coreerrors.Code) events.OrderEvent {
	return events.OrderEvent{
		OrderId:      o.OrderId,
		UserId:       o.UserId,
		SymbolId:     o.SymbolId,
		Status:       coretypes.StatusRejected,
		FilledQty:    o.FilledQty,
		RejectReason: string(code),
		TimestampNs:  nowNs,
	}
}

// Cancel removes a resting order and reports its terminal event.
func (e *Engine) Cancel(orderId coretypes.OrderId, userId coretypes.UserId, nowNs int64) (*Order, events.OrderEvent, error) {
	if err := e.checkAlive(); err != nil {
		return nil, events.OrderEvent{}, err
	}
	// Ownership is checked before removal; ownership failures must not
	// mutate the book.
	if loc, ok := e.book.idx[orderId]; ok && loc.elem.Value.(*Order).UserId != userId {
		return nil, events.OrderEvent{}, coreerrors.New(coreerrors.CodeNotOrderOwner, "caller does not own order")
	}
	o, err := e.book.CancelOrder(orderId)
	if err != nil {
		return nil, events.OrderEvent{}, err
	}
	o.Status = coretypes.StatusCancelled
	return o, e.statusEvent(o, nowNs), nil
}

// Reduce shrinks a resting order in place, preserving time priority. The
// returned unlockQty is the remaining-quantity delta the reduce removed —
// the caller (pipeline) unlocks funds sized against it, since the engine
// never touches balances directly (spec.md §3 "Ownership").
func (e *Engine) Reduce(orderId coretypes.OrderId, userId coretypes.UserId, newQty uint64, nowNs int64) (o *Order, unlockQty uint64, evt events.OrderEvent, err error) {
	if err := e.checkAlive(); err != nil {
		return nil, 0, events.OrderEvent{}, err
	}
	loc, ok := e.book.idx[orderId]
	if !ok {
		return nil, 0, events.OrderEvent{}, coreerrors.New(coreerrors.CodeUnknownOrder, "order not resting")
	}
	cur := loc.elem.Value.(*Order)
	if cur.UserId != userId {
		return nil, 0, events.OrderEvent{}, coreerrors.New(coreerrors.CodeNotOrderOwner, "caller does not own order")
	}
	before := cur.RemainingQty()
	o, err = e.book.ReduceOrder(orderId, newQty)
	if err != nil {
		return nil, 0, events.OrderEvent{}, err
	}
	return o, before - o.RemainingQty(), e.statusEvent(o, nowNs), nil
}

// Move cancels and re-places at a new price, reusing order_id and losing
// time priority (spec.md §4.3 "Move"). Any trades the re-place crosses
// into immediately are returned for settlement — the caller must not
// discard them, unlike a pure cancel.
func (e *Engine) Move(orderId coretypes.OrderId, userId coretypes.UserId, newPrice uint64, nowNs int64) (*Order, []events.TradeEvent, []events.OrderEvent, error) {
	if err := e.checkAlive(); err != nil {
		return nil, nil, nil, err
	}
	loc, ok := e.book.idx[orderId]
	if !ok {
		return nil, nil, nil, coreerrors.New(coreerrors.CodeUnknownOrder, "order not resting")
	}
	if loc.elem.Value.(*Order).UserId != userId {
		return nil, nil, nil, coreerrors.New(coreerrors.CodeNotOrderOwner, "caller does not own order")
	}

	o, err := e.book.RemoveForMove(orderId)
	if err != nil {
		return nil, nil, nil, err
	}
	o.Price = newPrice
	o.Status = coretypes.StatusNew

	trades, orderEvents, err := e.Place(o, nowNs)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(trades) > 0 {
		e.logger.Debug("move matched immediately", zap.Int("trades", len(trades)), zap.Uint64("order_id", uint64(orderId)))
	}
	return o, trades, orderEvents, nil
}

// Now is a thin seam over time.Now so tests can hold it fixed if needed;
// callers in the pipeline normally pass an explicit timestamp instead.
func Now() int64 { return time.Now().UnixNano() }
