// Package config defines the trading core's configuration surface. It is a
// plain, injected struct: nothing in this package reads an environment
// variable or a file. The only collaborator allowed to populate it from
// YAML via viper is cmd/tradingcore, per spec.md §6.
package config

import (
	"fmt"

	"go.uber.org/zap"
)

// RingConfig sizes the four SPSC rings of the pipeline (spec.md §4.1).
type RingConfig struct {
	OrderQueueCapacity      int `mapstructure:"order_queue_capacity"`
	ValidActionQueueCapacity int `mapstructure:"valid_action_queue_capacity"`
	TradeQueueCapacity      int `mapstructure:"trade_queue_capacity"`
	EventQueueCapacity      int `mapstructure:"event_queue_capacity"`
}

// WALConfig tunes group commit (spec.md §4.4).
type WALConfig struct {
	GroupCommitN  int `mapstructure:"group_commit_n"`
	GroupCommitUs int `mapstructure:"group_commit_us"`
}

// SnapshotConfig tunes snapshot cadence (spec.md §4.4).
type SnapshotConfig struct {
	IntervalSeq       uint64 `mapstructure:"interval_seq"`
	IntervalMs        int    `mapstructure:"interval_ms"`
	RetentionGraceSec int    `mapstructure:"retention_grace_sec"`
}

// RecoveryConfig points at the durability root (spec.md §6).
type RecoveryConfig struct {
	Dir string `mapstructure:"dir"`
}

// MonitoringConfig controls ambient logging/metrics, following the teacher's
// monitoring block.
type MonitoringConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// SinksConfig tunes internal/sinks' event fan-out (spec.md §6 "Core →
// external sinks"): the NATS/watermill publisher, the bounded ants worker
// pool that keeps a stalled sink from ever blocking the pipeline, and the
// per-sink gobreaker circuit breaker that trips a wedged sink open instead
// of letting every delivery to it queue up.
type SinksConfig struct {
	NatsURL         string `mapstructure:"nats_url"`
	SubjectPrefix   string `mapstructure:"subject_prefix"`
	WorkerPoolSize  int    `mapstructure:"worker_pool_size"`
	BreakerMaxRequests uint32 `mapstructure:"breaker_max_requests"`
	BreakerIntervalSec int    `mapstructure:"breaker_interval_sec"`
	BreakerTimeoutSec  int    `mapstructure:"breaker_timeout_sec"`
}

// Config is the full injected configuration for one symbol's trading core
// instance (spec.md §1: "one symbol per engine instance").
type Config struct {
	SymbolId    uint32 `mapstructure:"symbol_id"`
	PriceScale  uint64 `mapstructure:"price_scale"`
	QtyScale    uint64 `mapstructure:"qty_scale"`
	BaseAssetId uint32 `mapstructure:"base_asset_id"`
	QuoteAssetId uint32 `mapstructure:"quote_asset_id"`

	MakerFeeBps int64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps int64 `mapstructure:"taker_fee_bps"`

	Ring       RingConfig       `mapstructure:"ring"`
	WAL        WALConfig        `mapstructure:"wal"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
}

// Default returns a Config populated with the teacher's convention of
// conservative, development-friendly defaults. Callers (cmd/tradingcore)
// overlay these with a YAML file.
func Default() Config {
	return Config{
		PriceScale:  100_000_000,
		QtyScale:    100_000_000,
		MakerFeeBps: 10,
		TakerFeeBps: 20,
		Ring: RingConfig{
			OrderQueueCapacity:       4096,
			ValidActionQueueCapacity: 4096,
			TradeQueueCapacity:       4096,
			EventQueueCapacity:       8192,
		},
		WAL: WALConfig{
			GroupCommitN:  64,
			GroupCommitUs: 500,
		},
		Snapshot: SnapshotConfig{
			IntervalSeq:       100_000,
			IntervalMs:        60_000,
			RetentionGraceSec: 300,
		},
		Recovery: RecoveryConfig{
			Dir: "./data",
		},
		Monitoring: MonitoringConfig{
			LogLevel:       "info",
			PrometheusPort: 9090,
		},
		Sinks: SinksConfig{
			NatsURL:            "nats://127.0.0.1:4222",
			SubjectPrefix:       "spotcore.",
			WorkerPoolSize:      64,
			BreakerMaxRequests: 5,
			BreakerIntervalSec: 30,
			BreakerTimeoutSec:  60,
		},
	}
}

// Validate checks the config for values that would make the core unsafe to
// start, rather than deferring to a panic deep inside a component
// constructor.
func (c Config) Validate() error {
	if c.PriceScale == 0 || c.QtyScale == 0 {
		return fmt.Errorf("config: price_scale and qty_scale must be nonzero powers of ten")
	}
	if c.BaseAssetId == c.QuoteAssetId {
		return fmt.Errorf("config: base_asset_id and quote_asset_id must differ")
	}
	if c.Ring.OrderQueueCapacity <= 0 || c.Ring.ValidActionQueueCapacity <= 0 ||
		c.Ring.TradeQueueCapacity <= 0 || c.Ring.EventQueueCapacity <= 0 {
		return fmt.Errorf("config: all ring capacities must be positive")
	}
	for _, n := range []int{c.Ring.OrderQueueCapacity, c.Ring.ValidActionQueueCapacity,
		c.Ring.TradeQueueCapacity, c.Ring.EventQueueCapacity} {
		if n&(n-1) != 0 {
			return fmt.Errorf("config: all ring capacities must be powers of two")
		}
	}
	if c.WAL.GroupCommitN <= 0 || c.WAL.GroupCommitUs <= 0 {
		return fmt.Errorf("config: wal.group_commit_n and wal.group_commit_us must be positive")
	}
	if c.Recovery.Dir == "" {
		return fmt.Errorf("config: recovery.dir must be set")
	}
	return nil
}

// NewLogger builds the process-wide zap.Logger the teacher's InitLogger
// constructed from viper config; here the level is read from the already
// injected Config instead of a global.
func NewLogger(cfg Config) (*zap.Logger, error) {
	switch cfg.Monitoring.LogLevel {
	case "debug":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
