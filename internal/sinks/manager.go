package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/pipeline"
)

// Manager drains a Pipeline's event_queue and fans each OutboundEvent out
// to every configured Publisher, never blocking the pipeline that produced
// them (spec.md §6 "No sink may block the core; backpressure on a sink
// drops that sink's delivery, never blocks the pipeline"). Delivery runs on
// a bounded, nonblocking ants pool so a slow publisher sheds work instead
// of queueing it; each publisher additionally sits behind its own gobreaker
// circuit breaker so a wedged sink stops being tried at all rather than
// burning a worker slot on every event.
//
// Grounded on the teacher's WorkerPoolFactory (internal/architecture/fx/
// workerpool/worker_pool.go) and CircuitBreakerFactory (internal/
// architecture/fx/resilience/circuit_breaker.go), collapsed from their
// fx-injected, multi-named-pool generality down to the one pool and one
// breaker-per-publisher this module actually needs.
type Manager struct {
	logger     *zap.Logger
	events     *pipeline.Ring[pipeline.OutboundEvent]
	publishers []Publisher
	subjectPrefix string

	pool *ants.Pool

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cbCfg    config.SinksConfig

	metrics *metrics
}

// NewManager builds the worker pool up front (spec.md §6 sizing comes from
// cfg.WorkerPoolSize); circuit breakers are created lazily per publisher
// name, same as the teacher's factories.
func NewManager(logger *zap.Logger, events *pipeline.Ring[pipeline.OutboundEvent], cfg config.SinksConfig, publishers ...Publisher) (*Manager, error) {
	m := &Manager{
		logger:        logger,
		events:        events,
		publishers:    publishers,
		subjectPrefix: cfg.SubjectPrefix,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		cbCfg:         cfg,
		metrics:       newMetrics(),
	}
	pool, err := ants.NewPool(cfg.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			m.metrics.panics.Inc()
			logger.Error("sink worker panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, err
	}
	m.pool = pool
	return m, nil
}

func (m *Manager) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.cbCfg.BreakerMaxRequests,
		Interval:    time.Duration(m.cbCfg.BreakerIntervalSec) * time.Second,
		Timeout:     time.Duration(m.cbCfg.BreakerTimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("sink circuit breaker state changed",
				zap.String("sink", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	m.breakers[name] = cb
	return cb
}

// DrainOnce pops one OutboundEvent and submits one delivery task per
// configured publisher. It follows the same non-blocking, "false means
// nothing to do" convention as the pipeline's Run*Once stage methods, so a
// caller can drive it from its own goroutine with the same idle-backoff
// loop.
func (m *Manager) DrainOnce() bool {
	evt, ok := m.events.TryPop()
	if !ok {
		return false
	}
	subject, payload, err := encode(m.subjectPrefix, evt)
	if err != nil {
		m.logger.Error("sinks: unencodable outbound event", zap.Error(err))
		return true
	}
	for _, pub := range m.publishers {
		pub := pub
		if err := m.pool.Submit(func() { m.deliver(pub, subject, payload) }); err != nil {
			m.metrics.dropped.WithLabelValues(pub.Name(), "pool_saturated").Inc()
			m.logger.Warn("sink worker pool saturated, dropping delivery",
				zap.String("sink", pub.Name()), zap.String("subject", subject))
		}
	}
	return true
}

func (m *Manager) deliver(pub Publisher, subject string, payload []byte) {
	name := pub.Name()
	cb := m.breakerFor(name)
	_, err := cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, pub.Publish(ctx, subject, payload)
	})
	if err != nil {
		m.metrics.dropped.WithLabelValues(name, "publish_error").Inc()
		m.logger.Warn("sink delivery dropped", zap.String("sink", name), zap.String("subject", subject), zap.Error(err))
		return
	}
	m.metrics.delivered.WithLabelValues(name).Inc()
}

// Close releases the worker pool and every publisher's own connection.
func (m *Manager) Close() error {
	m.pool.Release()
	var first error
	for _, pub := range m.publishers {
		if err := pub.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
