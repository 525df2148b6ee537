package balance

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
	"github.com/nexusdex/spotcore/internal/matching"
)

// WALWriter is the durability seam the Balance Core depends on. Durability
// implements it; BalanceCore never knows about WAL file layout, CRC
// framing, or group commit — only that the append happens before it may
// report success (spec.md §4.2 "WAL contract").
type WALWriter interface {
	AppendOrderPlace(seqID coretypes.SeqNum, req actions.PlaceRequest) error
	AppendOrderCancel(seqID coretypes.SeqNum, req actions.CancelRequest) error
	AppendOrderReduce(seqID coretypes.SeqNum, req actions.ReduceRequest) error
	AppendOrderMove(seqID coretypes.SeqNum, req actions.MoveRequest) error
	AppendFunding(seqID coretypes.SeqNum, userID coretypes.UserId, assetID coretypes.AssetId, amount uint64, isDeposit bool) error
	AppendTradeSettled(seqID coretypes.SeqNum, trade events.TradeEvent) error
}

const cidCacheTTL = 30 * time.Minute

// Core is the single authority over user funds and the single generator of
// seq_id (spec.md §4.2). It is designed to run single-threaded on its own
// shard — one shard per matching engine instance — so no per-user locking
// is needed (spec.md §4.2 "Internal structure").
type Core struct {
	logger   *zap.Logger
	cfg      config.Config
	accounts map[coretypes.UserId]*UserAccount
	wal      WALWriter
	cidSeen  *cache.Cache
	nextSeq  coretypes.SeqNum
	poisoned bool
}

// baseAsset and quoteAsset convert the config's raw uint32 asset ids (kept
// plain there for direct viper/mapstructure unmarshaling) to coretypes.AssetId
// at the one place Core reads them.
func (c *Core) baseAsset() coretypes.AssetId  { return coretypes.AssetId(c.cfg.BaseAssetId) }
func (c *Core) quoteAsset() coretypes.AssetId { return coretypes.AssetId(c.cfg.QuoteAssetId) }

func NewCore(logger *zap.Logger, cfg config.Config, wal WALWriter) *Core {
	return &Core{
		logger:   logger,
		cfg:      cfg,
		accounts: make(map[coretypes.UserId]*UserAccount),
		wal:      wal,
		cidSeen:  cache.New(cidCacheTTL, cidCacheTTL),
		nextSeq:  1,
	}
}

// SetNextSeq is used by recovery to resume the seq_id counter after replay
// (spec.md §4.4 step 3: "max(snapshot_seq, last_replayed_seq) + 1").
func (c *Core) SetNextSeq(next coretypes.SeqNum) { c.nextSeq = next }

// CurrentSeq reports the last seq_id actually allocated, for callers (the
// snapshot cadence ticker) that need to name a snapshot after the most
// recent state it covers rather than the next seq_id still to be assigned.
func (c *Core) CurrentSeq() coretypes.SeqNum {
	if c.nextSeq == 0 {
		return 0
	}
	return c.nextSeq - 1
}

func (c *Core) allocSeq() coretypes.SeqNum {
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

func (c *Core) account(userID coretypes.UserId) *UserAccount {
	a, ok := c.accounts[userID]
	if !ok {
		a = NewUserAccount(userID)
		c.accounts[userID] = a
	}
	return a
}

// AccountSnapshot returns a read-only view of every account, for the
// snapshot writer. Order is unspecified; callers must sort if they need
// determinism across runs.
func (c *Core) AccountSnapshot() map[coretypes.UserId]*UserAccount {
	return c.accounts
}

// RestoreBalance reinstates one (user, asset) slot from a durable snapshot
// record during recovery (spec.md §4.4 step 1: "load newest snapshot").
// It never touches the WAL or allocates a seq_id — the snapshot already
// represents committed state.
func (c *Core) RestoreBalance(userID coretypes.UserId, assetID coretypes.AssetId, avail, frozen, version uint64) {
	c.account(userID).RestoreBalance(assetID, avail, frozen, version)
}

// ReplayFunding re-applies a funding WAL record during recovery, with no
// further WAL append and no BalanceEvent emission (spec.md §4.4 step 2:
// "replay with seq_id > snapshot_seq, event emission suppressed").
func (c *Core) ReplayFunding(userID coretypes.UserId, assetID coretypes.AssetId, amount uint64, isDeposit bool) error {
	acct := c.account(userID)
	if isDeposit {
		return acct.Deposit(assetID, amount)
	}
	bal, err := acct.BalanceMut(assetID)
	if err != nil {
		return err
	}
	return bal.Withdraw(amount)
}

// ReplayPlaceLock re-applies the fund lock a Place admission performed,
// during recovery. It intentionally does not re-validate availability
// against current state the way admitPlace does — the original admission
// already passed that check and the WAL record is proof it was committed.
func (c *Core) ReplayPlaceLock(req actions.PlaceRequest) error {
	assetID, amount, err := c.lockAmount(req)
	if err != nil {
		return err
	}
	if req.Cid != "" {
		c.cidSeen.SetDefault(req.Cid, struct{}{})
	}
	acct := c.account(req.UserId)
	bal, err := acct.BalanceMut(assetID)
	if err != nil {
		acct.RestoreBalance(assetID, 0, 0, 0) // first touch of this asset: grow the slot
		bal, err = acct.BalanceMut(assetID)
		if err != nil {
			return err
		}
	}
	return bal.Lock(amount)
}

// ReplayTradeSettled re-applies a settlement WAL record during recovery,
// sharing settleMutations with Settle but skipping its WAL append (the
// record being replayed is itself read from that WAL).
func (c *Core) ReplayTradeSettled(trade events.TradeEvent, buyerLockedQuote uint64) error {
	_, err := c.settleMutations(trade, buyerLockedQuote)
	return err
}

func (c *Core) poison(reason string) error {
	c.poisoned = true
	c.logger.Error("balance core poisoned", zap.String("reason", reason))
	return coreerrors.New(coreerrors.CodeBalanceUnderflow, reason)
}

func (c *Core) checkAlive() error {
	if c.poisoned {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "balance core poisoned, refusing input")
	}
	return nil
}

// Deposit credits a user's available balance directly (external collaborator
// path — funding scanners are out of scope, spec.md §1 — this is the entry
// point they call through).
func (c *Core) Deposit(userID coretypes.UserId, assetID coretypes.AssetId, amount uint64) (events.BalanceEvent, error) {
	if err := c.checkAlive(); err != nil {
		return events.BalanceEvent{}, err
	}
	seq := c.allocSeq()
	if err := c.wal.AppendFunding(seq, userID, assetID, amount, true); err != nil {
		return events.BalanceEvent{}, coreerrors.Wrap(err, coreerrors.CodeWalWriteFailed, "funding deposit wal append failed")
	}
	acct := c.account(userID)
	if err := acct.Deposit(assetID, amount); err != nil {
		return events.BalanceEvent{}, err
	}
	bal, _ := acct.BalanceOf(assetID)
	return events.BalanceEvent{
		SeqId:       seq,
		UserId:      userID,
		AssetId:     assetID,
		Kind:        coretypes.EventDeposit,
		Delta:       int64(amount),
		AvailAfter:  bal.Avail(),
		FrozenAfter: bal.Frozen(),
		Source:      coretypes.SourceTransfer,
		Version:     bal.Version(),
	}, nil
}

// Withdraw debits a user's available balance directly.
func (c *Core) Withdraw(userID coretypes.UserId, assetID coretypes.AssetId, amount uint64) (events.BalanceEvent, error) {
	if err := c.checkAlive(); err != nil {
		return events.BalanceEvent{}, err
	}
	acct, ok := c.accounts[userID]
	if !ok {
		return events.BalanceEvent{}, coreerrors.New(coreerrors.CodeInsufficientBalance, "unknown account")
	}
	bal, err := acct.BalanceMut(assetID)
	if err != nil {
		return events.BalanceEvent{}, err
	}
	seq := c.allocSeq()
	if err := c.wal.AppendFunding(seq, userID, assetID, amount, false); err != nil {
		return events.BalanceEvent{}, coreerrors.Wrap(err, coreerrors.CodeWalWriteFailed, "funding withdraw wal append failed")
	}
	if err := bal.Withdraw(amount); err != nil {
		return events.BalanceEvent{}, err
	}
	return events.BalanceEvent{
		SeqId:       seq,
		UserId:      userID,
		AssetId:     assetID,
		Kind:        coretypes.EventWithdraw,
		Delta:       -int64(amount),
		AvailAfter:  bal.Avail(),
		FrozenAfter: bal.Frozen(),
		Source:      coretypes.SourceTransfer,
		Version:     bal.Version(),
	}, nil
}

// lockAmount returns the funds a Place action must reserve: quote notional
// for Buy, base quantity for Sell (spec.md §4.2 "admit").
func (c *Core) lockAmount(req actions.PlaceRequest) (assetID coretypes.AssetId, amount uint64, err error) {
	if req.Side == coretypes.Buy {
		// Price is the true admissibility sentinel for a Market order
		// (coretypes.WorstPrice(Buy)) and cannot size a lock; the caller's
		// LockReferencePrice (the best ask at submission time) stands in
		// for it instead. See the PlaceRequest.LockReferencePrice doc and
		// DESIGN.md's "Market Buy fund locking" decision.
		price := req.Price
		if req.OrderType == coretypes.Market {
			price = req.LockReferencePrice
		}
		notional := price * req.Qty
		if req.Qty != 0 && notional/req.Qty != price {
			return 0, 0, coreerrors.New(coreerrors.CodeOverflow, "price*qty overflow")
		}
		return c.quoteAsset(), notional, nil
	}
	return c.baseAsset(), req.Qty, nil
}

// AdmitResult bundles everything Admit produces for one action.
type AdmitResult struct {
	Valid         *actions.ValidAction
	OrderEvent    *events.OrderEvent // set only on rejection
	BalanceEvents []events.BalanceEvent
}

// Admit is the pre-trade operation: validate, assign seq_id, WAL-append,
// then lock funds (spec.md §4.2). The WAL record is appended before the
// ValidAction leaves the Balance Core, so a crash between lock and match
// can never fabricate an unlogged lock.
func (c *Core) Admit(action actions.OrderAction) (AdmitResult, error) {
	if err := c.checkAlive(); err != nil {
		return AdmitResult{}, err
	}

	switch action.Kind {
	case actions.KindPlace:
		return c.admitPlace(*action.Place, action.IngestedAtNs)
	case actions.KindCancel:
		return c.admitPassthrough(actions.KindCancel, func(seq coretypes.SeqNum) error {
			return c.wal.AppendOrderCancel(seq, *action.Cancel)
		}, func(seq coretypes.SeqNum) *actions.ValidAction {
			return &actions.ValidAction{Kind: actions.KindCancel, SeqId: seq, Cancel: action.Cancel}
		})
	case actions.KindReduce:
		return c.admitPassthrough(actions.KindReduce, func(seq coretypes.SeqNum) error {
			return c.wal.AppendOrderReduce(seq, *action.Reduce)
		}, func(seq coretypes.SeqNum) *actions.ValidAction {
			return &actions.ValidAction{Kind: actions.KindReduce, SeqId: seq, Reduce: action.Reduce}
		})
	case actions.KindMove:
		return c.admitPassthrough(actions.KindMove, func(seq coretypes.SeqNum) error {
			return c.wal.AppendOrderMove(seq, *action.Move)
		}, func(seq coretypes.SeqNum) *actions.ValidAction {
			return &actions.ValidAction{Kind: actions.KindMove, SeqId: seq, Move: action.Move}
		})
	default:
		return AdmitResult{}, coreerrors.New(coreerrors.CodeInvalidSymbol, "unknown action kind")
	}
}

// admitPassthrough handles Cancel/Reduce/Move: these don't move funds at
// admission time (lock changes are a consequence applied after the engine
// processes them), they only need a seq_id and a WAL record.
func (c *Core) admitPassthrough(kind actions.Kind, appendWAL func(coretypes.SeqNum) error, build func(coretypes.SeqNum) *actions.ValidAction) (AdmitResult, error) {
	seq := c.allocSeq()
	if err := appendWAL(seq); err != nil {
		return AdmitResult{}, coreerrors.Wrap(err, coreerrors.CodeWalWriteFailed, "wal append failed for "+kind.String())
	}
	return AdmitResult{Valid: build(seq)}, nil
}

func (c *Core) admitPlace(req actions.PlaceRequest, ingestedAtNs int64) (AdmitResult, error) {
	if req.Qty == 0 {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeInvalidQty)}, nil
	}
	if req.OrderType == coretypes.Limit && req.Price == 0 {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeInvalidPrice)}, nil
	}
	if req.OrderType == coretypes.Market && req.Side == coretypes.Buy && req.LockReferencePrice == 0 {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeInvalidPrice)}, nil
	}

	if req.Cid == "" {
		req.Cid = ksuid.New().String()
	} else if _, dup := c.cidSeen.Get(req.Cid); dup {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeDuplicateCid)}, nil
	}

	assetID, amount, err := c.lockAmount(req)
	if err != nil {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeOverflow)}, nil
	}

	acct := c.account(req.UserId)
	bal, bok := acct.BalanceOf(assetID)
	if !bok || bal.Avail() < amount {
		return AdmitResult{OrderEvent: rejectOf(req, coreerrors.CodeInsufficientBalance)}, nil
	}

	seq := c.allocSeq()
	if err := c.wal.AppendOrderPlace(seq, req); err != nil {
		return AdmitResult{}, coreerrors.Wrap(err, coreerrors.CodeWalWriteFailed, "order place wal append failed")
	}

	lockBal, err := acct.BalanceMut(assetID)
	if err != nil {
		return AdmitResult{}, c.poison("admitted lock target balance vanished")
	}
	if err := lockBal.Lock(amount); err != nil {
		return AdmitResult{}, c.poison("lock failed after admission check passed")
	}
	c.cidSeen.SetDefault(req.Cid, struct{}{})

	order := matchingOrderFrom(req, seq, ingestedAtNs)
	balEvt := events.BalanceEvent{
		SeqId:       seq,
		UserId:      req.UserId,
		AssetId:     assetID,
		Kind:        coretypes.EventLock,
		Delta:       -int64(amount),
		AvailAfter:  lockBal.Avail(),
		FrozenAfter: lockBal.Frozen(),
		Source:      coretypes.SourceOrder,
		SourceId:    uint64(req.OrderId),
		Version:     lockBal.Version(),
		TimestampNs: ingestedAtNs,
	}

	return AdmitResult{
		Valid:         &actions.ValidAction{Kind: actions.KindPlace, SeqId: seq, Place: order},
		BalanceEvents: []events.BalanceEvent{balEvt},
	}, nil
}

func rejectOf(req actions.PlaceRequest, code coreerrors.Code) *events.OrderEvent {
	return &events.OrderEvent{
		OrderId:      req.OrderId,
		UserId:       req.UserId,
		SymbolId:     req.SymbolId,
		Status:       coretypes.StatusRejected,
		RejectReason: string(code),
	}
}

func matchingOrderFrom(req actions.PlaceRequest, seq coretypes.SeqNum, ingestedAtNs int64) *matching.Order {
	lockPrice := req.Price
	if req.OrderType == coretypes.Market {
		lockPrice = req.LockReferencePrice
	}
	return &matching.Order{
		OrderId:      req.OrderId,
		UserId:       req.UserId,
		SymbolId:     req.SymbolId,
		Side:         req.Side,
		OrderType:    req.OrderType,
		TimeInForce:  req.TimeInForce,
		Price:        req.Price,
		Qty:          req.Qty,
		Status:       coretypes.StatusNew,
		Cid:          req.Cid,
		IngestedAtNs: ingestedAtNs,
		SeqId:        seq,
		LockPrice:    lockPrice,
	}
}

// Settle applies the atomic balance-mutation pair for one trade
// (spec.md §4.2 "Settlement operation settle(trade)"). Settle keeps no
// record of trades already settled: a second call for the same
// (seq_id, trade_id) applies the mutations again. Recovery avoids that by
// replaying only settlement records whose seq_id is above the snapshot's.
func (c *Core) Settle(seq coretypes.SeqNum, trade events.TradeEvent, buyerLockedQuote uint64) ([]events.BalanceEvent, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}

	if err := c.checkSettlePreconditions(trade, buyerLockedQuote); err != nil {
		return nil, err
	}

	if err := c.wal.AppendTradeSettled(seq, trade); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeWalWriteFailed, "trade settlement wal append failed")
	}

	return c.settleMutations(trade, buyerLockedQuote)
}

// checkSettlePreconditions verifies both sides' frozen balances cover the
// trade before anything is committed to the WAL (spec.md §4.2 "settlement
// is validated, then logged, then applied").
func (c *Core) checkSettlePreconditions(trade events.TradeEvent, buyerLockedQuote uint64) error {
	notional := trade.Price * trade.Qty
	buyer := c.account(trade.BuyerUserId)
	seller := c.account(trade.SellerUserId)

	refundQuote := uint64(0)
	if buyerLockedQuote > notional {
		refundQuote = buyerLockedQuote - notional
	}

	if err := buyer.CheckBuyerBalance(c.quoteAsset(), notional, refundQuote); err != nil {
		return c.poison("buyer frozen balance inconsistent at settlement: " + err.Error())
	}
	if err := seller.CheckSellerBalance(c.baseAsset(), trade.Qty, 0); err != nil {
		return c.poison("seller frozen balance inconsistent at settlement: " + err.Error())
	}
	return nil
}

// settleMutations applies the buyer/seller balance mutations for one trade
// and builds the resulting BalanceEvents. Shared by Settle (live path, WAL
// already appended by the caller) and ReplayTradeSettled (recovery path,
// the record being applied is itself being read back from that WAL).
func (c *Core) settleMutations(trade events.TradeEvent, buyerLockedQuote uint64) ([]events.BalanceEvent, error) {
	notional := trade.Price * trade.Qty
	buyer := c.account(trade.BuyerUserId)
	seller := c.account(trade.SellerUserId)

	refundQuote := uint64(0)
	if buyerLockedQuote > notional {
		refundQuote = buyerLockedQuote - notional
	}

	gainBase := trade.Qty - trade.BuyerFeeAmount
	if err := buyer.SettleAsBuyer(c.quoteAsset(), c.baseAsset(), notional, gainBase, refundQuote); err != nil {
		return nil, c.poison("buyer settlement failed after WAL commit: " + err.Error())
	}

	gainQuote := notional - trade.SellerFeeAmount
	if err := seller.SettleAsSeller(c.baseAsset(), c.quoteAsset(), trade.Qty, gainQuote, 0); err != nil {
		return nil, c.poison("seller settlement failed after WAL commit: " + err.Error())
	}

	buyerQuote, _ := buyer.BalanceOf(c.quoteAsset())
	buyerBase, _ := buyer.BalanceOf(c.baseAsset())
	sellerBase, _ := seller.BalanceOf(c.baseAsset())
	sellerQuote, _ := seller.BalanceOf(c.quoteAsset())

	evts := []events.BalanceEvent{
		{
			SeqId: trade.SeqId, UserId: trade.BuyerUserId, AssetId: c.quoteAsset(),
			Kind: coretypes.EventSettle, Delta: -int64(notional),
			AvailAfter: buyerQuote.Avail(), FrozenAfter: buyerQuote.Frozen(),
			Source: coretypes.SourceTrade, SourceId: uint64(trade.TradeId), Version: buyerQuote.Version(),
			TimestampNs: trade.TimestampNs,
		},
		{
			SeqId: trade.SeqId, UserId: trade.BuyerUserId, AssetId: c.baseAsset(),
			Kind: coretypes.EventSettle, Delta: int64(gainBase),
			AvailAfter: buyerBase.Avail(), FrozenAfter: buyerBase.Frozen(),
			Source: coretypes.SourceTrade, SourceId: uint64(trade.TradeId), Version: buyerBase.Version(),
			TimestampNs: trade.TimestampNs,
		},
		{
			SeqId: trade.SeqId, UserId: trade.SellerUserId, AssetId: c.baseAsset(),
			Kind: coretypes.EventSettle, Delta: -int64(trade.Qty),
			AvailAfter: sellerBase.Avail(), FrozenAfter: sellerBase.Frozen(),
			Source: coretypes.SourceTrade, SourceId: uint64(trade.TradeId), Version: sellerBase.Version(),
			TimestampNs: trade.TimestampNs,
		},
		{
			SeqId: trade.SeqId, UserId: trade.SellerUserId, AssetId: c.quoteAsset(),
			Kind: coretypes.EventSettle, Delta: int64(gainQuote),
			AvailAfter: sellerQuote.Avail(), FrozenAfter: sellerQuote.Frozen(),
			Source: coretypes.SourceTrade, SourceId: uint64(trade.TradeId), Version: sellerQuote.Version(),
			TimestampNs: trade.TimestampNs,
		},
	}
	return evts, nil
}

// UnlockRemainder releases the frozen remainder of a resting order that
// just became terminal via cancel/reduce/expire without a trade
// (spec.md §4.2 "Refund on terminal cancel/expire").
func (c *Core) UnlockRemainder(seq coretypes.SeqNum, userID coretypes.UserId, assetID coretypes.AssetId, amount uint64, sourceOrderID coretypes.OrderId) (events.BalanceEvent, error) {
	if amount == 0 {
		return events.BalanceEvent{}, nil
	}
	if err := c.checkAlive(); err != nil {
		return events.BalanceEvent{}, err
	}
	acct, ok := c.accounts[userID]
	if !ok {
		return events.BalanceEvent{}, c.poison("unlock target account missing")
	}
	bal, err := acct.BalanceMut(assetID)
	if err != nil {
		return events.BalanceEvent{}, c.poison("unlock target balance missing")
	}
	if err := bal.Unlock(amount); err != nil {
		return events.BalanceEvent{}, c.poison("unlock failed on terminal order: " + err.Error())
	}
	return events.BalanceEvent{
		SeqId:       seq,
		UserId:      userID,
		AssetId:     assetID,
		Kind:        coretypes.EventUnlock,
		Delta:       int64(amount),
		AvailAfter:  bal.Avail(),
		FrozenAfter: bal.Frozen(),
		Source:      coretypes.SourceOrder,
		SourceId:    uint64(sourceOrderID),
		Version:     bal.Version(),
	}, nil
}
