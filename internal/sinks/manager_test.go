package sinks

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
	"github.com/nexusdex/spotcore/internal/pipeline"
)

// fakePublisher records every delivery (or fails them, when failAlways is
// set) without touching the network.
type fakePublisher struct {
	name       string
	failAlways bool

	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	calls    int32
}

func (p *fakePublisher) Name() string { return p.name }

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte) error {
	atomic.AddInt32(&p.calls, 1)
	if p.failAlways {
		return assert.AnError
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func testSinksConfig() config.SinksConfig {
	return config.SinksConfig{
		SubjectPrefix:      "trading.",
		WorkerPoolSize:     4,
		BreakerMaxRequests: 1,
		BreakerIntervalSec: 1,
		BreakerTimeoutSec:  1,
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true within timeout")
}

func TestManager_DrainOnce_DeliversToEveryPublisher(t *testing.T) {
	ring := pipeline.NewRing[pipeline.OutboundEvent](4)
	pub1 := &fakePublisher{name: "pub1"}
	pub2 := &fakePublisher{name: "pub2"}
	m, err := NewManager(zaptest.NewLogger(t), ring, testSinksConfig(), pub1, pub2)
	require.NoError(t, err)
	defer m.Close()

	trade := &events.PublicTrade{Price: 100, Qty: 10}
	require.NoError(t, ring.Push(pipeline.OutboundEvent{Public: trade}))

	assert.True(t, m.DrainOnce())
	_, stillQueued := ring.TryPop()
	assert.False(t, stillQueued)

	waitForCondition(t, time.Second, func() bool {
		return atomic.LoadInt32(&pub1.calls) == 1 && atomic.LoadInt32(&pub2.calls) == 1
	})

	pub1.mu.Lock()
	require.Len(t, pub1.subjects, 1)
	assert.Equal(t, "trading.trades", pub1.subjects[0])
	var decoded events.PublicTrade
	require.NoError(t, json.Unmarshal(pub1.payloads[0], &decoded))
	assert.Equal(t, uint64(100), decoded.Price)
	pub1.mu.Unlock()
}

func TestManager_DrainOnce_FalseWhenRingEmpty(t *testing.T) {
	ring := pipeline.NewRing[pipeline.OutboundEvent](4)
	m, err := NewManager(zaptest.NewLogger(t), ring, testSinksConfig())
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, m.DrainOnce())
}

func TestManager_FailingPublisherTripsBreakerWithoutAffectingOthers(t *testing.T) {
	ring := pipeline.NewRing[pipeline.OutboundEvent](8)
	failing := &fakePublisher{name: "failing", failAlways: true}
	healthy := &fakePublisher{name: "healthy"}
	cfg := testSinksConfig()
	cfg.BreakerMaxRequests = 1
	m, err := NewManager(zaptest.NewLogger(t), ring, cfg, failing, healthy)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, ring.Push(pipeline.OutboundEvent{Order: &events.OrderEvent{OrderId: coretypes.OrderId(i)}}))
	}
	for i := 0; i < 20; i++ {
		m.DrainOnce()
	}

	waitForCondition(t, time.Second, func() bool {
		healthy.mu.Lock()
		defer healthy.mu.Unlock()
		return len(healthy.subjects) == 20
	})
	healthy.mu.Lock()
	assert.Len(t, healthy.subjects, 20, "a failing sibling sink must never hold back a healthy publisher")
	healthy.mu.Unlock()
}

func TestEncode_SelectsSubjectByPopulatedField(t *testing.T) {
	subject, payload, err := encode("sym.", pipeline.OutboundEvent{Order: &events.OrderEvent{OrderId: 7}})
	require.NoError(t, err)
	assert.Equal(t, "sym.orders", subject)
	var decoded events.OrderEvent
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, coretypes.OrderId(7), decoded.OrderId)
}

func TestEncode_RejectsEmptyEvent(t *testing.T) {
	_, _, err := encode("sym.", pipeline.OutboundEvent{})
	assert.Error(t, err)
}
