package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
)

// fakeWAL records every append call instead of writing to disk, so these
// tests exercise Core's admission/settlement logic without durability.
type fakeWAL struct {
	places   []actions.PlaceRequest
	cancels  []actions.CancelRequest
	reduces  []actions.ReduceRequest
	moves    []actions.MoveRequest
	fundings int
	trades   int
	failNext bool
}

func (w *fakeWAL) AppendOrderPlace(_ coretypes.SeqNum, req actions.PlaceRequest) error {
	if w.failNext {
		return assert.AnError
	}
	w.places = append(w.places, req)
	return nil
}
func (w *fakeWAL) AppendOrderCancel(_ coretypes.SeqNum, req actions.CancelRequest) error {
	w.cancels = append(w.cancels, req)
	return nil
}
func (w *fakeWAL) AppendOrderReduce(_ coretypes.SeqNum, req actions.ReduceRequest) error {
	w.reduces = append(w.reduces, req)
	return nil
}
func (w *fakeWAL) AppendOrderMove(_ coretypes.SeqNum, req actions.MoveRequest) error {
	w.moves = append(w.moves, req)
	return nil
}
func (w *fakeWAL) AppendFunding(coretypes.SeqNum, coretypes.UserId, coretypes.AssetId, uint64, bool) error {
	w.fundings++
	return nil
}
func (w *fakeWAL) AppendTradeSettled(coretypes.SeqNum, events.TradeEvent) error {
	w.trades++
	return nil
}

const (
	testBase  coretypes.AssetId = 0
	testQuote coretypes.AssetId = 1
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BaseAssetId = uint32(testBase)
	cfg.QuoteAssetId = uint32(testQuote)
	return cfg
}

func newTestCore(t *testing.T) (*Core, *fakeWAL) {
	wal := &fakeWAL{}
	core := NewCore(zaptest.NewLogger(t), testConfig(), wal)
	return core, wal
}

func TestCore_DepositAndWithdraw(t *testing.T) {
	core, wal := newTestCore(t)

	evt, err := core.Deposit(1, testQuote, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), evt.Delta)
	assert.Equal(t, uint64(1000), evt.AvailAfter)
	assert.Equal(t, 1, wal.fundings)

	evt, err = core.Withdraw(1, testQuote, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(-400), evt.Delta)
	assert.Equal(t, uint64(600), evt.AvailAfter)
	assert.Equal(t, 2, wal.fundings)
}

func TestCore_Withdraw_UnknownAccount(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Withdraw(99, testQuote, 1)
	assert.Error(t, err)
}

func TestCore_Withdraw_InsufficientBalance(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 100)
	require.NoError(t, err)
	_, err = core.Withdraw(1, testQuote, 200)
	assert.Error(t, err)
}

func TestCore_AdmitPlace_Buy_LocksQuote(t *testing.T) {
	core, wal := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 100_000)
	require.NoError(t, err)

	action := actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId:   1,
			UserId:    1,
			Side:      coretypes.Buy,
			OrderType: coretypes.Limit,
			Price:     100,
			Qty:       500,
		},
	}
	res, err := core.Admit(action)
	require.NoError(t, err)
	require.NotNil(t, res.Valid)
	assert.Nil(t, res.OrderEvent)
	require.Len(t, res.BalanceEvents, 1)
	assert.Equal(t, int64(-50_000), res.BalanceEvents[0].Delta)
	assert.Equal(t, uint64(50_000), res.BalanceEvents[0].AvailAfter)
	assert.Equal(t, uint64(50_000), res.BalanceEvents[0].FrozenAfter)
	assert.Len(t, wal.places, 1)
}

func TestCore_AdmitPlace_Sell_LocksBase(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Deposit(1, testBase, 10)
	require.NoError(t, err)

	action := actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId:   2,
			UserId:    1,
			Side:      coretypes.Sell,
			OrderType: coretypes.Limit,
			Price:     100,
			Qty:       5,
		},
	}
	res, err := core.Admit(action)
	require.NoError(t, err)
	require.NotNil(t, res.Valid)
	require.Len(t, res.BalanceEvents, 1)
	assert.Equal(t, testBase, res.BalanceEvents[0].AssetId)
	assert.Equal(t, uint64(5), res.BalanceEvents[0].FrozenAfter)
}

func TestCore_AdmitPlace_RejectsInsufficientBalance(t *testing.T) {
	core, wal := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 10)
	require.NoError(t, err)

	action := actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId:   3,
			UserId:    1,
			Side:      coretypes.Buy,
			OrderType: coretypes.Limit,
			Price:     100,
			Qty:       500,
		},
	}
	res, err := core.Admit(action)
	require.NoError(t, err)
	assert.Nil(t, res.Valid)
	require.NotNil(t, res.OrderEvent)
	assert.Equal(t, coretypes.StatusRejected, res.OrderEvent.Status)
	assert.Empty(t, wal.places, "a rejected admission must never append a WAL record")
}

func TestCore_AdmitPlace_RejectsZeroQty(t *testing.T) {
	core, _ := newTestCore(t)
	action := actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 4, UserId: 1, Side: coretypes.Buy, OrderType: coretypes.Limit, Price: 100, Qty: 0,
		},
	}
	res, err := core.Admit(action)
	require.NoError(t, err)
	require.NotNil(t, res.OrderEvent)
	assert.Equal(t, coretypes.StatusRejected, res.OrderEvent.Status)
	assert.NotEmpty(t, res.OrderEvent.RejectReason)
}

func TestCore_AdmitPlace_RejectsDuplicateCid(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 1_000_000)
	require.NoError(t, err)

	req := actions.PlaceRequest{
		OrderId: 5, UserId: 1, Side: coretypes.Buy, OrderType: coretypes.Limit,
		Price: 100, Qty: 10, Cid: "client-order-1",
	}
	first, err := core.Admit(actions.OrderAction{Kind: actions.KindPlace, Place: &req})
	require.NoError(t, err)
	require.NotNil(t, first.Valid)

	req2 := req
	req2.OrderId = 6
	second, err := core.Admit(actions.OrderAction{Kind: actions.KindPlace, Place: &req2})
	require.NoError(t, err)
	assert.Nil(t, second.Valid)
	require.NotNil(t, second.OrderEvent)
	assert.Equal(t, coretypes.StatusRejected, second.OrderEvent.Status)
}

func TestCore_AdmitMarketBuy_RejectsWithoutLockReferencePrice(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 1_000_000)
	require.NoError(t, err)

	req := actions.PlaceRequest{
		OrderId: 7, UserId: 1, Side: coretypes.Buy, OrderType: coretypes.Market, Qty: 10,
	}
	res, err := core.Admit(actions.OrderAction{Kind: actions.KindPlace, Place: &req})
	require.NoError(t, err)
	assert.Nil(t, res.Valid)
	require.NotNil(t, res.OrderEvent)
}

func TestCore_AdmitCancel_AssignsSeqAndAppendsWAL(t *testing.T) {
	core, wal := newTestCore(t)
	res, err := core.Admit(actions.OrderAction{
		Kind:   actions.KindCancel,
		Cancel: &actions.CancelRequest{OrderId: 1, UserId: 1},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Valid)
	assert.Len(t, wal.cancels, 1)
}

func TestCore_Settle_AppliesBuyerAndSellerMutations(t *testing.T) {
	core, wal := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 100_000) // buyer quote
	require.NoError(t, err)
	_, err = core.Deposit(2, testBase, 10) // seller base
	require.NoError(t, err)

	buyerBal, err := core.account(1).BalanceMut(testQuote)
	require.NoError(t, err)
	require.NoError(t, buyerBal.Lock(10_000))

	sellerBal, err := core.account(2).BalanceMut(testBase)
	require.NoError(t, err)
	require.NoError(t, sellerBal.Lock(10))

	trade := events.TradeEvent{
		SeqId: 42, TradeId: 1,
		BuyerUserId: 1, SellerUserId: 2,
		Price: 1000, Qty: 10,
		BuyerFeeAmount: 0, SellerFeeAmount: 0,
	}
	evts, err := core.Settle(42, trade, 10_000)
	require.NoError(t, err)
	require.Len(t, evts, 4)
	assert.Equal(t, 1, wal.trades)

	buyerQuote, _ := core.account(1).BalanceOf(testQuote)
	assert.Equal(t, uint64(90_000), buyerQuote.Avail())
	assert.Equal(t, uint64(0), buyerQuote.Frozen())

	buyerBase, _ := core.account(1).BalanceOf(testBase)
	assert.Equal(t, uint64(10), buyerBase.Avail())

	sellerQuote, _ := core.account(2).BalanceOf(testQuote)
	assert.Equal(t, uint64(10_000), sellerQuote.Avail())
}

func TestCore_UnlockRemainder_RefundsFrozenFunds(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.Deposit(1, testQuote, 1000)
	require.NoError(t, err)
	bal, err := core.account(1).BalanceMut(testQuote)
	require.NoError(t, err)
	require.NoError(t, bal.Lock(400))

	evt, err := core.UnlockRemainder(1, 1, testQuote, 400, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), evt.AvailAfter)
	assert.Equal(t, uint64(0), evt.FrozenAfter)
}

func TestCore_UnlockRemainder_ZeroAmountIsNoop(t *testing.T) {
	core, _ := newTestCore(t)
	evt, err := core.UnlockRemainder(1, 1, testQuote, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, events.BalanceEvent{}, evt)
}

func TestCore_PoisonsOnSettlementInconsistency(t *testing.T) {
	core, _ := newTestCore(t)
	// Buyer/seller have no frozen funds at all: settlement preconditions
	// must fail and poison the core rather than underflow a balance.
	trade := events.TradeEvent{SeqId: 1, TradeId: 1, BuyerUserId: 1, SellerUserId: 2, Price: 100, Qty: 1}
	_, err := core.Settle(1, trade, 100)
	assert.Error(t, err)

	_, err = core.Deposit(3, testQuote, 1)
	assert.Error(t, err, "a poisoned core must refuse all further input")
}
