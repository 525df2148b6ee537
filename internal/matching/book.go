package matching

import (
	"container/list"

	"github.com/google/btree"

	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
)

// level is one price's FIFO queue of resting orders. Using container/list
// gives O(1) removal from the middle once an *list.Element is known, which
// is what the secondary order_id index stores.
type level struct {
	price  uint64
	orders *list.List
}

func newLevel(price uint64) *level {
	return &level{price: price, orders: list.New()}
}

// orderLocation is the secondary index entry letting Cancel/Reduce/Move
// locate a resting order in O(log n) without scanning the book (the
// reference implementation's remove_order_by_id is O(n); this index avoids
// that scan entirely, a strict improvement applied in the teacher's idiom
// of keeping auxiliary indices beside a primary ordered structure).
type orderLocation struct {
	side  coretypes.Side
	level *level
	elem  *list.Element
}

// OrderBook holds both sides of one symbol as ordered price->FIFO maps.
// asks ascend by price (lowest = best); bids are ordered so the highest
// price iterates first, reproducing the reference implementation's
// `u64::MAX - price` BTreeMap key trick via a reversed comparator instead
// of key negation — the same ordering, expressed with Go generics.
type OrderBook struct {
	bids *btree.BTreeG[*level]
	asks *btree.BTreeG[*level]
	idx  map[coretypes.OrderId]*orderLocation

	tradeIdCounter coretypes.TradeId
}

const btreeDegree = 32

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids: btree.NewG(btreeDegree, func(a, b *level) bool { return a.price > b.price }),
		asks: btree.NewG(btreeDegree, func(a, b *level) bool { return a.price < b.price }),
		idx:  make(map[coretypes.OrderId]*orderLocation),
	}
}

// NextTradeId returns a fresh, symbol-monotonic trade id.
func (ob *OrderBook) NextTradeId() coretypes.TradeId {
	ob.tradeIdCounter++
	return ob.tradeIdCounter
}

// SetNextTradeId resumes the trade id counter from a snapshot during
// recovery (spec.md §4.4 "resume issuing ids after the recovered value").
func (ob *OrderBook) SetNextTradeId(last coretypes.TradeId) {
	ob.tradeIdCounter = last
}

func (ob *OrderBook) treeFor(side coretypes.Side) *btree.BTreeG[*level] {
	if side == coretypes.Buy {
		return ob.bids
	}
	return ob.asks
}

// BestBid returns the highest resting buy price.
func (ob *OrderBook) BestBid() (uint64, bool) {
	var found uint64
	ok := false
	ob.bids.Ascend(func(l *level) bool {
		found = l.price
		ok = true
		return false
	})
	return found, ok
}

// BestAsk returns the lowest resting sell price.
func (ob *OrderBook) BestAsk() (uint64, bool) {
	var found uint64
	ok := false
	ob.asks.Ascend(func(l *level) bool {
		found = l.price
		ok = true
		return false
	})
	return found, ok
}

// Spread returns best ask - best bid, if both sides are non-empty and
// crossed state does not hold (it never should once admitted).
func (ob *OrderBook) Spread() (uint64, bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk || ask <= bid {
		return 0, false
	}
	return ask - bid, true
}

// Depth returns the number of distinct price levels on (bids, asks).
func (ob *OrderBook) Depth() (int, int) {
	return ob.bids.Len(), ob.asks.Len()
}

// RestOrder inserts an order at the tail of its price level, creating the
// level if necessary. Does not alter the order's status — callers set it
// first (spec.md §4.3 "GTC: ... insert the taker at the back").
func (ob *OrderBook) RestOrder(o *Order) {
	tree := ob.treeFor(o.Side)
	key := &level{price: o.Price}
	lvl, found := tree.Get(key)
	if !found {
		lvl = newLevel(o.Price)
		tree.ReplaceOrInsert(lvl)
	}
	elem := lvl.orders.PushBack(o)
	ob.idx[o.OrderId] = &orderLocation{side: o.Side, level: lvl, elem: elem}
}

// QtyAtPrice sums the remaining quantity resting at one price on one side.
func (ob *OrderBook) QtyAtPrice(price uint64, side coretypes.Side) uint64 {
	tree := ob.treeFor(side)
	lvl, found := tree.Get(&level{price: price})
	if !found {
		return 0
	}
	var total uint64
	for e := lvl.orders.Front(); e != nil; e = e.Next() {
		total += e.Value.(*Order).RemainingQty()
	}
	return total
}

// pruneIfEmpty removes an emptied level from its tree (spec.md §4.3
// invariant: "Empty price levels MUST be pruned on every removal").
func (ob *OrderBook) pruneIfEmpty(side coretypes.Side, lvl *level) {
	if lvl.orders.Len() == 0 {
		ob.treeFor(side).Delete(lvl)
	}
}

// CancelOrder removes a resting order by id. Returns coreerrors.CodeUnknownOrder
// if it is not resting.
func (ob *OrderBook) CancelOrder(orderId coretypes.OrderId) (*Order, error) {
	loc, ok := ob.idx[orderId]
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeUnknownOrder, "order not resting in book")
	}
	o := loc.elem.Value.(*Order)
	loc.level.orders.Remove(loc.elem)
	ob.pruneIfEmpty(loc.side, loc.level)
	delete(ob.idx, orderId)
	return o, nil
}

// ReduceOrder shrinks a resting order's remaining quantity in place,
// preserving its FIFO position (spec.md §4.3 "Reduce"). newQty must be
// strictly less than the order's current remaining quantity.
func (ob *OrderBook) ReduceOrder(orderId coretypes.OrderId, newRemainingQty uint64) (*Order, error) {
	loc, ok := ob.idx[orderId]
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeUnknownOrder, "order not resting in book")
	}
	o := loc.elem.Value.(*Order)
	if newRemainingQty >= o.RemainingQty() {
		return nil, coreerrors.New(coreerrors.CodeInvalidReduction, "reduce must strictly decrease remaining quantity")
	}
	// Qty is reduced by shrinking the original Qty so FilledQty stays
	// meaningful: new Qty = FilledQty + newRemainingQty.
	o.Qty = o.FilledQty + newRemainingQty
	return o, nil
}

// RemoveForMove detaches a resting order ahead of a Move (Cancel+Place);
// it is a thin alias over CancelOrder kept distinct for call-site clarity.
func (ob *OrderBook) RemoveForMove(orderId coretypes.OrderId) (*Order, error) {
	return ob.CancelOrder(orderId)
}

// Located reports whether orderId currently rests in the book.
func (ob *OrderBook) Located(orderId coretypes.OrderId) bool {
	_, ok := ob.idx[orderId]
	return ok
}

// AllOrders returns every resting order, bids (best first) then asks (best
// first), matching the reference implementation's all_orders dump order —
// used by snapshotting.
func (ob *OrderBook) AllOrders() []*Order {
	var out []*Order
	ob.bids.Ascend(func(l *level) bool {
		for e := l.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Order))
		}
		return true
	})
	ob.asks.Ascend(func(l *level) bool {
		for e := l.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Order))
		}
		return true
	})
	return out
}

// frontOfBest returns the order at the front of the best opposite level, or
// nil if that side is empty. Used by the matching loop.
func (ob *OrderBook) frontOfBest(side coretypes.Side) (*level, *Order, bool) {
	var best *level
	ob.treeFor(side).Ascend(func(l *level) bool {
		best = l
		return false
	})
	if best == nil || best.orders.Len() == 0 {
		return nil, nil, false
	}
	return best, best.orders.Front().Value.(*Order), true
}

// popFront removes and returns the front order of lvl, pruning the level
// from side's tree if it becomes empty.
func (ob *OrderBook) popFront(side coretypes.Side, lvl *level) *Order {
	e := lvl.orders.Front()
	o := e.Value.(*Order)
	lvl.orders.Remove(e)
	delete(ob.idx, o.OrderId)
	ob.pruneIfEmpty(side, lvl)
	return o
}
