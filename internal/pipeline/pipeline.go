// Package pipeline wires the Balance Core's pre-trade stage, the Matching
// Engine, and the Balance Core's settlement entry points together through
// the four SPSC rings spec.md §4.1 names: order_queue, valid_action_queue,
// trade_queue, event_queue. Two deployment modes are supported by the same
// stage methods: RunOnceRoundRobin drives all three stages from one
// goroutine (single-threaded mode); a caller running RunAdmissionOnce,
// RunMatchingOnce, and RunSettlementOnce each in its own goroutine gets the
// multi-threaded, one-thread-per-stage mode. Both preserve seq_id ordering
// (spec.md §4.1 "Sequencing contract") because every stage is itself a
// single producer into the next ring, processing strictly in the order it
// pops its input.
package pipeline

import (
	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/balance"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
	"github.com/nexusdex/spotcore/internal/ledger"
	"github.com/nexusdex/spotcore/internal/matching"
)

// UnlockInstruction is a terminal-order fund release the matching stage
// computed but does not itself apply — only the Balance Core touches
// balances (spec.md §3 "Ownership").
type UnlockInstruction struct {
	UserId  coretypes.UserId
	AssetId coretypes.AssetId
	Amount  uint64
	OrderId coretypes.OrderId
}

// MatchOutput is one item on trade_queue: everything one ValidAction
// produced when the Matching Engine ran it (spec.md §4.1 "Carries
// TradeEvent, OrderEvent, and terminal-order-unlock instructions").
type MatchOutput struct {
	SeqId       coretypes.SeqNum
	Trades      []events.TradeEvent
	OrderEvents []events.OrderEvent
	Unlocks     []UnlockInstruction
}

// OutboundEvent is one item on event_queue: the settlement stage's fan-out
// record, exactly one of its three fields set (spec.md §4.1 "Carries
// BalanceEvent, order-update, and public-trade records").
type OutboundEvent struct {
	Balance *events.BalanceEvent
	Order   *events.OrderEvent
	Public  *events.PublicTrade
}

// Pipeline owns the four rings and drives one symbol's Balance Core and
// Matching Engine through them (spec.md §1 "one symbol per engine
// instance").
type Pipeline struct {
	logger *zap.Logger
	cfg    config.Config
	core   *balance.Core
	engine *matching.Engine

	orderQueue *Ring[actions.OrderAction]
	validQueue *Ring[*actions.ValidAction]
	tradeQueue *Ring[MatchOutput]
	eventQueue *Ring[OutboundEvent]

	// lockPrice remembers, per order_id currently resting or just placed
	// on the Buy side, the quote price its admission lock was sized
	// against (matching.Order.LockPrice). The settlement stage needs this
	// to compute buyerLockedQuote per fill without re-deriving it from an
	// order the engine may have already removed from the book. Entries
	// are removed once that order's status event reports it terminal.
	lockPrice map[coretypes.OrderId]uint64

	metrics *Metrics
	symbol  string

	ledger   *ledger.Writer
	matchLog MatchLog
}

// MatchLog is the engine-side trade audit trail (match.wal, spec.md §4.4):
// narrower than balance.WALWriter since only AppendMatchTrade is needed
// here — durability.Log satisfies it without the pipeline depending on the
// rest of durability's surface.
type MatchLog interface {
	AppendMatchTrade(seqID coretypes.SeqNum, trade events.TradeEvent) error
}

// SetMatchLog attaches the match.wal writer; every trade the matching stage
// produces is appended to it before (and independently of) the settlement
// stage's own settlement.wal write, so match.wal carries every trade at the
// moment it is matched rather than at the moment it settles. Optional — a
// Pipeline with no match log attached runs the same, just without the
// audit trail.
func (p *Pipeline) SetMatchLog(l MatchLog) {
	p.matchLog = l
}

// SetMetrics attaches a Metrics instance; stage runs record latency and
// ring depth against it once set. Optional — a Pipeline with no metrics
// attached runs exactly the same, just unobserved.
func (p *Pipeline) SetMetrics(m *Metrics, symbol string) {
	p.metrics = m
	p.symbol = symbol
}

// SetLedger attaches the human-readable audit trail (spec.md §6
// "ledger.csv"); every BalanceEvent the settlement stage publishes is also
// enqueued there. Optional — a Pipeline with no ledger attached runs the
// same, just without the CSV trail.
func (p *Pipeline) SetLedger(l *ledger.Writer) {
	p.ledger = l
}

func (p *Pipeline) writeLedger(evt *events.BalanceEvent) {
	if p.ledger == nil {
		return
	}
	op := ledger.Credit
	delta := evt.Delta
	if delta < 0 {
		op = ledger.Debit
		delta = -delta
	}
	var tradeId coretypes.TradeId
	if evt.Source == coretypes.SourceTrade {
		tradeId = coretypes.TradeId(evt.SourceId)
	}
	p.ledger.Enqueue(ledger.Entry{
		TradeId:      tradeId,
		UserId:       evt.UserId,
		AssetId:      evt.AssetId,
		Op:           op,
		Delta:        uint64(delta),
		BalanceAfter: evt.AvailAfter,
	})
}

func (p *Pipeline) observeRings() {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveRingDepth(p.symbol, "order_queue", p.orderQueue.Len())
	p.metrics.ObserveRingDepth(p.symbol, "valid_action_queue", p.validQueue.Len())
	p.metrics.ObserveRingDepth(p.symbol, "trade_queue", p.tradeQueue.Len())
	p.metrics.ObserveRingDepth(p.symbol, "event_queue", p.eventQueue.Len())
}

func NewPipeline(logger *zap.Logger, cfg config.Config, core *balance.Core, engine *matching.Engine) *Pipeline {
	return &Pipeline{
		logger:     logger,
		cfg:        cfg,
		core:       core,
		engine:     engine,
		orderQueue: NewRing[actions.OrderAction](cfg.Ring.OrderQueueCapacity),
		validQueue: NewRing[*actions.ValidAction](cfg.Ring.ValidActionQueueCapacity),
		tradeQueue: NewRing[MatchOutput](cfg.Ring.TradeQueueCapacity),
		eventQueue: NewRing[OutboundEvent](cfg.Ring.EventQueueCapacity),
		lockPrice:  make(map[coretypes.OrderId]uint64),
	}
}

// EventQueue exposes the outbound ring for internal/sinks to drain.
func (p *Pipeline) EventQueue() *Ring[OutboundEvent] { return p.eventQueue }

// Submit enqueues a client action onto order_queue. A Market Buy with no
// caller-supplied LockReferencePrice is stamped with the book's current
// best ask here, since the Balance Core's pre-trade stage never touches
// the order book itself (spec.md §3 "Ownership"; see
// actions.PlaceRequest.LockReferencePrice and DESIGN.md's "Market Buy fund
// locking" decision).
func (p *Pipeline) Submit(action actions.OrderAction) error {
	if action.Kind == actions.KindPlace && action.Place != nil &&
		action.Place.OrderType == coretypes.Market &&
		action.Place.Side == coretypes.Buy &&
		action.Place.LockReferencePrice == 0 {
		if ask, ok := p.engine.Book().BestAsk(); ok {
			action.Place.LockReferencePrice = ask
		}
	}
	return p.orderQueue.Push(action)
}

// RunAdmissionOnce drains one OrderAction through the Balance Core's
// pre-trade stage. It stalls (returns false without popping order_queue)
// if valid_action_queue has no room, applying backpressure instead of ever
// dropping an already-admitted, already-WAL-logged action.
func (p *Pipeline) RunAdmissionOnce() bool {
	if p.validQueue.Len() >= p.validQueue.Capacity() {
		return false
	}
	action, ok := p.orderQueue.TryPop()
	if !ok {
		return false
	}
	if p.metrics != nil {
		defer p.metrics.ObserveStage(p.symbol, "admission")()
		defer p.observeRings()
	}
	p.admitOne(action)
	return true
}

func (p *Pipeline) admitOne(action actions.OrderAction) {
	if p.metrics != nil && action.IngestedAtNs != 0 {
		p.metrics.ObserveAdmissionLatency(matching.Now() - action.IngestedAtNs)
	}
	result, err := p.core.Admit(action)
	if err != nil {
		p.logger.Error("admission failed", zap.Error(err))
		return
	}
	for i := range result.BalanceEvents {
		p.publishEvent(OutboundEvent{Balance: &result.BalanceEvents[i]})
	}
	if result.OrderEvent != nil {
		p.publishEvent(OutboundEvent{Order: result.OrderEvent})
		return
	}
	if result.Valid == nil {
		return
	}
	if result.Valid.Kind == actions.KindPlace && result.Valid.Place.Side == coretypes.Buy {
		p.lockPrice[result.Valid.Place.OrderId] = result.Valid.Place.LockPrice
	}
	if err := p.validQueue.Push(result.Valid); err != nil {
		// Unreachable given the capacity check in RunAdmissionOnce, since
		// this ring has exactly one producer (this stage).
		p.logger.Error("valid_action_queue saturated, dropping admitted action", zap.Error(err))
	}
}

// RunMatchingOnce drains one ValidAction through the Matching Engine. It
// stalls if trade_queue has no room, for the same reason RunAdmissionOnce
// stalls on valid_action_queue.
func (p *Pipeline) RunMatchingOnce(nowNs int64) bool {
	if p.tradeQueue.Len() >= p.tradeQueue.Capacity() {
		return false
	}
	valid, ok := p.validQueue.TryPop()
	if !ok {
		return false
	}
	if p.metrics != nil {
		defer p.metrics.ObserveStage(p.symbol, "matching")()
		defer p.observeRings()
	}
	p.matchOne(valid, nowNs)
	return true
}

func (p *Pipeline) matchOne(valid *actions.ValidAction, nowNs int64) {
	switch valid.Kind {
	case actions.KindPlace:
		p.matchPlace(valid, nowNs)
	case actions.KindCancel:
		p.matchCancel(valid, nowNs)
	case actions.KindReduce:
		p.matchReduce(valid, nowNs)
	case actions.KindMove:
		p.matchMove(valid, nowNs)
	}
}

func (p *Pipeline) matchPlace(valid *actions.ValidAction, nowNs int64) {
	order := valid.Place
	trades, orderEvents, err := p.engine.Place(order, nowNs)
	if err != nil {
		p.logger.Error("engine place failed", zap.Error(err), zap.Uint64("order_id", uint64(order.OrderId)))
		return
	}
	for i := range trades {
		trades[i].SeqId = valid.SeqId
	}
	var unlocks []UnlockInstruction
	if order.Status.IsTerminal() {
		unlocks = p.unlockForRemoved(order)
	}
	p.pushMatchOutput(MatchOutput{SeqId: valid.SeqId, Trades: trades, OrderEvents: orderEvents, Unlocks: unlocks})
}

func (p *Pipeline) matchCancel(valid *actions.ValidAction, nowNs int64) {
	req := valid.Cancel
	order, evt, err := p.engine.Cancel(req.OrderId, req.UserId, nowNs)
	if err != nil {
		p.logger.Warn("cancel rejected", zap.Error(err), zap.Uint64("order_id", uint64(req.OrderId)))
		return
	}
	p.pushMatchOutput(MatchOutput{
		SeqId:       valid.SeqId,
		OrderEvents: []events.OrderEvent{evt},
		Unlocks:     p.unlockForRemoved(order),
	})
}

func (p *Pipeline) matchReduce(valid *actions.ValidAction, nowNs int64) {
	req := valid.Reduce
	order, unlockQty, evt, err := p.engine.Reduce(req.OrderId, req.UserId, req.NewQty, nowNs)
	if err != nil {
		p.logger.Warn("reduce rejected", zap.Error(err), zap.Uint64("order_id", uint64(req.OrderId)))
		return
	}
	var unlocks []UnlockInstruction
	if unlockQty > 0 {
		unlocks = append(unlocks, p.unlockFor(order, unlockQty))
	}
	p.pushMatchOutput(MatchOutput{SeqId: valid.SeqId, OrderEvents: []events.OrderEvent{evt}, Unlocks: unlocks})
}

func (p *Pipeline) matchMove(valid *actions.ValidAction, nowNs int64) {
	req := valid.Move
	order, trades, orderEvents, err := p.engine.Move(req.OrderId, req.UserId, req.NewPrice, nowNs)
	if err != nil {
		p.logger.Warn("move rejected", zap.Error(err), zap.Uint64("order_id", uint64(req.OrderId)))
		return
	}
	for i := range trades {
		trades[i].SeqId = valid.SeqId
	}
	var unlocks []UnlockInstruction
	if order.Status.IsTerminal() {
		unlocks = p.unlockForRemoved(order)
	}
	p.pushMatchOutput(MatchOutput{SeqId: valid.SeqId, Trades: trades, OrderEvents: orderEvents, Unlocks: unlocks})
}

// unlockForRemoved reports the fund unlock owed for an order's entire
// remaining quantity — used when the order has just left the book for
// good (cancel, or a terminal non-fill from Place/Move).
func (p *Pipeline) unlockForRemoved(o *matching.Order) []UnlockInstruction {
	remaining := o.RemainingQty()
	if remaining == 0 {
		return nil
	}
	return []UnlockInstruction{p.unlockFor(o, remaining)}
}

func (p *Pipeline) unlockFor(o *matching.Order, qty uint64) UnlockInstruction {
	if o.Side == coretypes.Buy {
		return UnlockInstruction{
			UserId: o.UserId, AssetId: coretypes.AssetId(p.cfg.QuoteAssetId),
			Amount: p.lockPrice[o.OrderId] * qty, OrderId: o.OrderId,
		}
	}
	return UnlockInstruction{
		UserId: o.UserId, AssetId: coretypes.AssetId(p.cfg.BaseAssetId),
		Amount: qty, OrderId: o.OrderId,
	}
}

func (p *Pipeline) pushMatchOutput(out MatchOutput) {
	p.writeMatchLog(out.Trades)
	if err := p.tradeQueue.Push(out); err != nil {
		// Unreachable given the capacity check in RunMatchingOnce.
		p.logger.Error("trade_queue saturated, dropping match output", zap.Error(err))
	}
}

func (p *Pipeline) writeMatchLog(trades []events.TradeEvent) {
	if p.matchLog == nil {
		return
	}
	for _, trade := range trades {
		if err := p.matchLog.AppendMatchTrade(trade.SeqId, trade); err != nil {
			p.logger.Error("match.wal append failed", zap.Error(err), zap.Uint64("trade_id", uint64(trade.TradeId)))
		}
	}
}

// RunSettlementOnce drains one MatchOutput, settles every trade it carries
// and applies every unlock, then forwards the resulting records onto
// event_queue (spec.md §4.1 "settlement → persistence/push").
func (p *Pipeline) RunSettlementOnce() bool {
	out, ok := p.tradeQueue.TryPop()
	if !ok {
		return false
	}
	if p.metrics != nil {
		defer p.metrics.ObserveStage(p.symbol, "settlement")()
		defer p.observeRings()
		for range out.Trades {
			p.metrics.ObserveTrade()
		}
	}
	p.settleOne(out)
	return true
}

func (p *Pipeline) settleOne(out MatchOutput) {
	for _, trade := range out.Trades {
		buyerLockedQuote := p.lockPrice[trade.BuyerOrderId] * trade.Qty
		balEvts, err := p.core.Settle(out.SeqId, trade, buyerLockedQuote)
		if err != nil {
			p.logger.Error("settlement failed", zap.Error(err), zap.Uint64("trade_id", uint64(trade.TradeId)))
			continue
		}
		for i := range balEvts {
			p.publishEvent(OutboundEvent{Balance: &balEvts[i]})
		}
		public := events.PublicTradeFrom(trade)
		p.publishEvent(OutboundEvent{Public: &public})
	}
	for _, u := range out.Unlocks {
		evt, err := p.core.UnlockRemainder(out.SeqId, u.UserId, u.AssetId, u.Amount, u.OrderId)
		if err != nil {
			p.logger.Error("unlock failed", zap.Error(err), zap.Uint64("order_id", uint64(u.OrderId)))
			continue
		}
		p.publishEvent(OutboundEvent{Balance: &evt})
	}
	for i := range out.OrderEvents {
		evt := out.OrderEvents[i]
		p.publishEvent(OutboundEvent{Order: &out.OrderEvents[i]})
		if evt.Status.IsTerminal() {
			delete(p.lockPrice, evt.OrderId)
		}
	}
}

func (p *Pipeline) publishEvent(e OutboundEvent) {
	if e.Balance != nil {
		p.writeLedger(e.Balance)
	}
	if err := p.eventQueue.Push(e); err != nil {
		p.logger.Error("event_queue saturated, dropping outbound event", zap.Error(err))
	}
}

// RunOnceRoundRobin drives all three processing stages once each, in
// order, for single-threaded deployment (spec.md §4.1's first deployment
// mode). It returns the number of stages that did useful work, so a
// caller can back off when the pipeline goes idle.
func (p *Pipeline) RunOnceRoundRobin(nowNs int64) int {
	did := 0
	if p.RunAdmissionOnce() {
		did++
	}
	if p.RunMatchingOnce(nowNs) {
		did++
	}
	if p.RunSettlementOnce() {
		did++
	}
	return did
}
