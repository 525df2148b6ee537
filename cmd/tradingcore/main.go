// cmd/tradingcore is the trading core's process entrypoint: one symbol per
// instance (spec.md §1). It is the only place in this module allowed to
// read viper/YAML config or wire go.uber.org/fx — every other package takes
// its configuration as a plain injected config.Config, per spec.md §1's
// "the configuration loader" being named an out-of-scope external
// collaborator and SPEC_FULL.md's AMBIENT STACK section confining both
// dependencies to this file. Component wiring follows the teacher's
// internal/trading/order_execution/fx/module.go idiom: fx.Provide
// constructors, fx.In-tagged Params structs, and one fx.Invoke that
// registers fx.Lifecycle hooks to start and stop the running system.
package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/balance"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/durability"
	"github.com/nexusdex/spotcore/internal/ledger"
	"github.com/nexusdex/spotcore/internal/matching"
	"github.com/nexusdex/spotcore/internal/pipeline"
	"github.com/nexusdex/spotcore/internal/sinks"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file overlaying defaults")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		panic(fmt.Errorf("tradingcore: load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("tradingcore: invalid config: %w", err))
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			config.NewLogger,
			newWAL,
			newBalanceCore,
			newMatchingEngine,
			newLedgerWriter,
			newMetrics,
			newPipeline,
			newSinksManager,
		),
		fx.Invoke(registerEngineHooks),
	)
	app.Run()
}

// loadConfig overlays a YAML file, when given, onto config.Default() via
// viper, matching the teacher's HFTConfigManager idiom
// (viper.New/SetConfigFile/ReadInConfig/Unmarshal) without that manager's
// hot-reload machinery, which this single-process trading core has no use
// for — a config change here means a restart, not a live reload mid-match.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func walDir(cfg config.Config) string      { return filepath.Join(cfg.Recovery.Dir, "wal") }
func snapshotDir(cfg config.Config) string { return filepath.Join(cfg.Recovery.Dir, "snapshots") }
func ledgerPath(cfg config.Config) string  { return filepath.Join(cfg.Recovery.Dir, "ledger.csv") }

func newWAL(cfg config.Config) (*durability.Log, error) {
	return durability.OpenLog(walDir(cfg), cfg.WAL)
}

// newBalanceCore builds the Balance Core against its real WAL writer, then
// immediately replays that WAL's existing records (spec.md §4.4's recovery
// algorithm) before the core ever sees a new action — exactly the sequence
// cmd/replay exercises standalone, except here the Core keeps its real WAL
// for everything admitted from this point forward instead of a noop one.
func newBalanceCore(logger *zap.Logger, cfg config.Config, wal *durability.Log) (*balance.Core, error) {
	core := balance.NewCore(logger, cfg, wal)
	next, err := durability.RecoverBalanceCore(logger, snapshotDir(cfg), walDir(cfg), core)
	if err != nil {
		return nil, fmt.Errorf("recover balance core: %w", err)
	}
	core.SetNextSeq(next)
	return core, nil
}

func newMatchingEngine(logger *zap.Logger, cfg config.Config) (*matching.Engine, error) {
	engine := matching.NewEngine(logger,
		coretypes.SymbolId(cfg.SymbolId),
		coretypes.AssetId(cfg.BaseAssetId),
		coretypes.AssetId(cfg.QuoteAssetId),
		matching.FeeSchedule{MakerFeeBps: cfg.MakerFeeBps, TakerFeeBps: cfg.TakerFeeBps},
	)
	if err := durability.RecoverMatchingEngine(logger, snapshotDir(cfg), engine); err != nil {
		return nil, fmt.Errorf("recover matching engine: %w", err)
	}
	return engine, nil
}

func newLedgerWriter(logger *zap.Logger, cfg config.Config) (*ledger.Writer, error) {
	return ledger.NewWriter(logger, ledgerPath(cfg), 4096)
}

func newMetrics(cfg config.Config) *pipeline.Metrics {
	return pipeline.NewMetrics(fmt.Sprintf("symbol-%d", cfg.SymbolId))
}

func newPipeline(logger *zap.Logger, cfg config.Config, core *balance.Core, engine *matching.Engine, metrics *pipeline.Metrics, lw *ledger.Writer, wal *durability.Log) *pipeline.Pipeline {
	p := pipeline.NewPipeline(logger, cfg, core, engine)
	p.SetMetrics(metrics, fmt.Sprintf("symbol-%d", cfg.SymbolId))
	p.SetLedger(lw)
	p.SetMatchLog(wal)
	return p
}

func newSinksManager(logger *zap.Logger, cfg config.Config, p *pipeline.Pipeline) (*sinks.Manager, error) {
	nc, err := sinks.NewNatsPublisher(cfg.Sinks.NatsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats publisher: %w", err)
	}
	return sinks.NewManager(logger, p.EventQueue(), cfg.Sinks, nc)
}

// supervisor owns every background loop the running trading core needs —
// the three pipeline stages, the sinks drain loop, and the snapshot/WAL
// checkpoint cadence — so fx.Lifecycle has a single thing to start and
// stop cleanly.
type supervisor struct {
	logger *zap.Logger
	cfg    config.Config
	core   *balance.Core
	engine *matching.Engine
	wal    *durability.Log
	lw     *ledger.Writer
	sm     *sinks.Manager
	pl     *pipeline.Pipeline

	stop chan struct{}
	wg   sync.WaitGroup
}

func (s *supervisor) start() {
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.runPipeline()

	s.wg.Add(1)
	go s.runSinks()

	s.wg.Add(1)
	go s.runSnapshotCadence()
}

// runPipeline drives all three processing stages from one goroutine
// (spec.md §4.1's single-threaded deployment mode), sleeping briefly
// whenever a full round finds no work so an idle trading core does not
// spin a core at 100%.
func (s *supervisor) runPipeline() {
	defer s.wg.Done()
	idle := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		did := s.pl.RunOnceRoundRobin(time.Now().UnixNano())
		if did == 0 {
			idle++
			time.Sleep(backoff(idle))
		} else {
			idle = 0
		}
	}
}

func (s *supervisor) runSinks() {
	defer s.wg.Done()
	idle := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if s.sm.DrainOnce() {
			idle = 0
		} else {
			idle++
			time.Sleep(backoff(idle))
		}
	}
}

// runSnapshotCadence takes a full Balance Core + Matching Engine snapshot
// every Snapshot.IntervalMs (spec.md §4.4 "Snapshot cadence"), checkpoints
// the WAL against it, then prunes snapshots older than the retention grace
// period. The seq-count-based cadence (Snapshot.IntervalSeq) is left to a
// future pipeline-level counter — this ticker covers the wall-clock trigger
// spec.md §4.4 lists as the other half of the "whichever comes first" rule.
func (s *supervisor) runSnapshotCadence() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.Snapshot.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.snapshotOnce()
		}
	}
}

func (s *supervisor) snapshotOnce() {
	seq := s.core.CurrentSeq()
	snapID, err := durability.WriteSnapshot(snapshotDir(s.cfg), seq, s.core, s.engine)
	if err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		return
	}
	if err := s.wal.Checkpoint(seq, snapID); err != nil {
		s.logger.Error("wal checkpoint failed", zap.Error(err))
	}
	if err := durability.GCOldSnapshots(snapshotDir(s.cfg), seq, s.cfg.Snapshot.RetentionGraceSec); err != nil {
		s.logger.Warn("snapshot gc failed", zap.Error(err))
	}
}

func backoff(idleRounds int) time.Duration {
	d := time.Duration(idleRounds) * 50 * time.Microsecond
	if d > time.Millisecond {
		return time.Millisecond
	}
	return d
}

func (s *supervisor) shutdown(ctx context.Context) error {
	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for background loops to stop")
	}

	s.snapshotOnce()

	if err := s.lw.Close(); err != nil {
		s.logger.Error("ledger close failed", zap.Error(err))
	}
	if err := s.sm.Close(); err != nil {
		s.logger.Error("sinks close failed", zap.Error(err))
	}
	return s.wal.Close()
}

type engineParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    *zap.Logger
	Config    config.Config
	Core      *balance.Core
	Engine    *matching.Engine
	WAL       *durability.Log
	Ledger    *ledger.Writer
	Sinks     *sinks.Manager
	Pipeline  *pipeline.Pipeline
}

// registerEngineHooks wires the supervisor into fx's lifecycle, following
// the teacher's registerOrderExecutionHooks pattern exactly: build the
// long-lived service in OnStart, tear it down in OnStop.
func registerEngineHooks(p engineParams) {
	s := &supervisor{
		logger: p.Logger,
		cfg:    p.Config,
		core:   p.Core,
		engine: p.Engine,
		wal:    p.WAL,
		lw:     p.Ledger,
		sm:     p.Sinks,
		pl:     p.Pipeline,
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Logger.Info("starting trading core",
				zap.Uint32("symbol_id", p.Config.SymbolId),
				zap.String("data_dir", p.Config.Recovery.Dir))
			s.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("stopping trading core")
			return s.shutdown(ctx)
		},
	})
}
