package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/balance"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
	"github.com/nexusdex/spotcore/internal/matching"
)

type noopWAL struct{}

func (noopWAL) AppendOrderPlace(coretypes.SeqNum, actions.PlaceRequest) error   { return nil }
func (noopWAL) AppendOrderCancel(coretypes.SeqNum, actions.CancelRequest) error { return nil }
func (noopWAL) AppendOrderReduce(coretypes.SeqNum, actions.ReduceRequest) error { return nil }
func (noopWAL) AppendOrderMove(coretypes.SeqNum, actions.MoveRequest) error     { return nil }
func (noopWAL) AppendFunding(coretypes.SeqNum, coretypes.UserId, coretypes.AssetId, uint64, bool) error {
	return nil
}
func (noopWAL) AppendTradeSettled(coretypes.SeqNum, events.TradeEvent) error { return nil }

// fakeMatchLog records every trade handed to match.wal without touching
// disk, so tests can assert the matching stage writes it independently of
// (and before) the settlement stage's own settlement.wal write.
type fakeMatchLog struct {
	trades []events.TradeEvent
}

func (f *fakeMatchLog) AppendMatchTrade(_ coretypes.SeqNum, trade events.TradeEvent) error {
	f.trades = append(f.trades, trade)
	return nil
}

const (
	testBase  coretypes.AssetId = 0
	testQuote coretypes.AssetId = 1
)

func newTestPipeline(t *testing.T) (*Pipeline, *balance.Core, *matching.Engine) {
	cfg := config.Default()
	cfg.BaseAssetId = uint32(testBase)
	cfg.QuoteAssetId = uint32(testQuote)

	logger := zaptest.NewLogger(t)
	core := balance.NewCore(logger, cfg, noopWAL{})
	engine := matching.NewEngine(logger, coretypes.SymbolId(cfg.SymbolId), testBase, testQuote,
		matching.FeeSchedule{MakerFeeBps: 10, TakerFeeBps: 20})
	return NewPipeline(logger, cfg, core, engine), core, engine
}

// runUntilIdle drives RunOnceRoundRobin until a full round finds no work,
// bounded so a pipeline bug that never drains can't hang the test suite.
func runUntilIdle(t *testing.T, p *Pipeline) {
	for i := 0; i < 100; i++ {
		if p.RunOnceRoundRobin(int64(i)) == 0 {
			return
		}
	}
	t.Fatal("pipeline did not go idle within the round budget")
}

func TestPipeline_Submit_PlaceRestsWhenUnmatched(t *testing.T) {
	p, core, _ := newTestPipeline(t)
	_, err := core.Deposit(1, testQuote, 1_000_000)
	require.NoError(t, err)

	err = p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 1, UserId: 1, Side: coretypes.Buy, OrderType: coretypes.Limit,
			Price: 100, Qty: 10,
		},
	})
	require.NoError(t, err)
	runUntilIdle(t, p)

	var sawLock, sawOrderNew bool
	for {
		evt, ok := p.eventQueue.TryPop()
		if !ok {
			break
		}
		if evt.Balance != nil && evt.Balance.Kind == coretypes.EventLock {
			sawLock = true
		}
		if evt.Order != nil && evt.Order.Status == coretypes.StatusNew {
			sawOrderNew = true
		}
	}
	assert.True(t, sawLock, "admission must publish the fund-lock balance event")
	assert.True(t, sawOrderNew, "an unmatched resting Place must publish a NEW order event")
}

func TestPipeline_MatchingCrossSettlesBothSides(t *testing.T) {
	p, core, _ := newTestPipeline(t)
	_, err := core.Deposit(1, testBase, 100) // seller
	require.NoError(t, err)
	_, err = core.Deposit(2, testQuote, 1_000_000) // buyer
	require.NoError(t, err)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 1, UserId: 1, Side: coretypes.Sell, OrderType: coretypes.Limit,
			Price: 100, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 2, UserId: 2, Side: coretypes.Buy, OrderType: coretypes.Limit,
			Price: 100, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	var sawPublicTrade bool
	var settleEvents int
	for {
		evt, ok := p.eventQueue.TryPop()
		if !ok {
			break
		}
		if evt.Public != nil {
			sawPublicTrade = true
			assert.Equal(t, uint64(100), evt.Public.Price)
			assert.Equal(t, uint64(10), evt.Public.Qty)
		}
		if evt.Balance != nil && evt.Balance.Kind == coretypes.EventSettle {
			settleEvents++
		}
	}
	assert.True(t, sawPublicTrade)
	assert.Equal(t, 4, settleEvents, "settlement must publish all four buyer/seller balance mutations")

	buyerBase, _ := core.AccountSnapshot()[2].BalanceOf(testBase)
	assert.Equal(t, uint64(10), buyerBase.Avail())
	sellerQuote, _ := core.AccountSnapshot()[1].BalanceOf(testQuote)
	// Seller is the maker: 1_000 notional minus the 10 bps maker fee (1).
	assert.Equal(t, uint64(999), sellerQuote.Avail())
}

func TestPipeline_CancelUnlocksRemainingFunds(t *testing.T) {
	p, core, _ := newTestPipeline(t)
	_, err := core.Deposit(1, testQuote, 1000)
	require.NoError(t, err)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 1, UserId: 1, Side: coretypes.Buy, OrderType: coretypes.Limit,
			Price: 100, Qty: 5,
		},
	}))
	runUntilIdle(t, p)
	for {
		if _, ok := p.eventQueue.TryPop(); !ok {
			break
		}
	}

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind:   actions.KindCancel,
		Cancel: &actions.CancelRequest{OrderId: 1, UserId: 1},
	}))
	runUntilIdle(t, p)

	quote, _ := core.AccountSnapshot()[1].BalanceOf(testQuote)
	assert.Equal(t, uint64(1000), quote.Avail())
	assert.Equal(t, uint64(0), quote.Frozen())
}

func TestPipeline_MarketBuy_LocksAgainstBestAsk(t *testing.T) {
	p, core, _ := newTestPipeline(t)
	_, err := core.Deposit(1, testBase, 10)
	require.NoError(t, err)
	_, err = core.Deposit(2, testQuote, 1_000_000)
	require.NoError(t, err)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 1, UserId: 1, Side: coretypes.Sell, OrderType: coretypes.Limit,
			Price: 200, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 2, UserId: 2, Side: coretypes.Buy, OrderType: coretypes.Market,
			TimeInForce: coretypes.IOC, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	buyerBase, _ := core.AccountSnapshot()[2].BalanceOf(testBase)
	assert.Equal(t, uint64(10), buyerBase.Avail())
}

func TestPipeline_MatchingStageWritesMatchLogBeforeSettlement(t *testing.T) {
	p, core, _ := newTestPipeline(t)
	matchLog := &fakeMatchLog{}
	p.SetMatchLog(matchLog)

	_, err := core.Deposit(1, testBase, 100) // seller
	require.NoError(t, err)
	_, err = core.Deposit(2, testQuote, 1_000_000) // buyer
	require.NoError(t, err)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 1, UserId: 1, Side: coretypes.Sell, OrderType: coretypes.Limit,
			Price: 100, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	require.NoError(t, p.Submit(actions.OrderAction{
		Kind: actions.KindPlace,
		Place: &actions.PlaceRequest{
			OrderId: 2, UserId: 2, Side: coretypes.Buy, OrderType: coretypes.Limit,
			Price: 100, Qty: 10,
		},
	}))
	runUntilIdle(t, p)

	require.Len(t, matchLog.trades, 1, "every matched trade must be appended to match.wal at the matching stage")
	assert.Equal(t, uint64(100), matchLog.trades[0].Price)
	assert.Equal(t, uint64(10), matchLog.trades[0].Qty)
}
