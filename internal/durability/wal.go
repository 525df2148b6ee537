// Package durability implements the write-ahead log, snapshotting, and
// crash recovery described in spec.md §4.4. WAL records are length-framed
// and CRC32C-checked, grounded on the append-only, checksum-per-record
// design of rishavpaul-system-design's internal/events/log.go, extended
// with the group-commit batching and per-stream partitioning spec.md §4.4
// requires that the teacher's EventLog does not have.
package durability

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
)

// EntryType tags a WAL record's payload shape (spec.md §4.4 table).
type EntryType uint8

const (
	EntryOrderPlace EntryType = iota
	EntryOrderCancel
	EntryOrderReduce
	EntryOrderMove
	EntryFundingDeposit
	EntryFundingWithdraw
	EntryTradeSettled
	EntryCheckpoint
)

// WalFormatVersion is negotiated against recovered WAL files via semver so
// a future incompatible framing change fails loudly instead of silently
// misreading old records (spec.md's durability stack names semver for
// exactly this). Every partition file gets a sidecar "<path>.version" file
// holding the version that wrote it; OpenWriter compares it against
// WalFormatVersion before touching the data file.
var WalFormatVersion = semver.MustParse("1.0.0")

// formatVersionPath returns the sidecar file that records the on-disk
// format version for a WAL partition file.
func formatVersionPath(path string) string {
	return path + ".version"
}

// checkOrWriteFormatVersion enforces WAL format-version compatibility on
// open (spec.md §4.4 "a format a reader cannot understand fails loudly
// instead of silently misreading records"). A partition with no sidecar yet
// is a fresh file: the sidecar is written and nothing is rejected. An
// existing sidecar is compared by major version only — a minor/patch bump
// is assumed backward-compatible, a major bump is not.
func checkOrWriteFormatVersion(path string) error {
	versionPath := formatVersionPath(path)
	raw, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(versionPath, []byte(WalFormatVersion.String()), 0o644)
		}
		return fmt.Errorf("durability: read wal format version %s: %w", versionPath, err)
	}

	onDisk, err := semver.NewVersion(string(raw))
	if err != nil {
		return coreerrors.Newf(coreerrors.CodeWalFormatIncompatible, "wal %s: unparseable format version %q", path, string(raw))
	}
	if onDisk.Major() != WalFormatVersion.Major() {
		return coreerrors.Newf(coreerrors.CodeWalFormatIncompatible,
			"wal %s: on-disk format v%s is incompatible with this binary's v%s", path, onDisk.String(), WalFormatVersion.String())
	}
	return nil
}

// FundingPayload is the WAL payload for deposit/withdraw.
type FundingPayload struct {
	UserId    coretypes.UserId
	AssetId   coretypes.AssetId
	Amount    uint64
	IsDeposit bool
}

// CheckpointPayload bookmarks the snapshot a WAL tail corresponds to
// (spec.md §4.4 "tail record Checkpoint{last_seq_id, snapshot_id}").
type CheckpointPayload struct {
	LastSeqId  coretypes.SeqNum
	SnapshotId string
}

func init() {
	gob.Register(actions.PlaceRequest{})
	gob.Register(actions.CancelRequest{})
	gob.Register(actions.ReduceRequest{})
	gob.Register(actions.MoveRequest{})
	gob.Register(FundingPayload{})
	gob.Register(events.TradeEvent{})
	gob.Register(CheckpointPayload{})
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// recordHeader is the fixed-size prefix of every WAL record, written and
// read as individual binary.Write/Read calls rather than a single struct
// blit so the on-disk layout never depends on Go's struct padding rules.
type recordHeader struct {
	Length      uint32 // length of (EntryType + SeqId + TimestampNs + payload)
	Crc32c      uint32 // checksum over that same span
	EntryType   EntryType
	SeqId       coretypes.SeqNum
	TimestampNs int64
}

const headerFixedLen = 4 + 4 + 1 + 8 + 8

// Writer is one partition's append-only file (spec.md §4.4: pretrade.wal,
// settlement.wal, match.wal are three independent Writers).
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	bw     *bufio.Writer
	path   string
	cfg    config.WALConfig
	pending int
	lastFsync time.Time
	waiters []chan error

	closeOnce sync.Once
	stopTicker chan struct{}
}

// OpenWriter opens (or creates) a WAL partition file for append, truncating
// any torn write at the tail (spec.md §4.4 "records with invalid CRC at the
// tail are truncated on open").
func OpenWriter(path string, cfg config.WALConfig) (*Writer, error) {
	if err := checkOrWriteFormatVersion(path); err != nil {
		return nil, err
	}
	if err := truncateTornTail(path); err != nil {
		return nil, fmt.Errorf("durability: torn-tail scan of %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("durability: open wal %s: %w", path, err)
	}
	w := &Writer{
		file:       f,
		bw:         bufio.NewWriter(f),
		path:       path,
		cfg:        cfg,
		lastFsync:  time.Now(),
		stopTicker: make(chan struct{}),
	}
	go w.ticker()
	return w, nil
}

func (w *Writer) ticker() {
	interval := time.Duration(w.cfg.GroupCommitUs) * time.Microsecond
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.mu.Lock()
			if w.pending > 0 {
				w.flushLocked()
			}
			w.mu.Unlock()
		case <-w.stopTicker:
			return
		}
	}
}

// flushLocked flushes the buffered writer, fsyncs, and releases every
// waiter blocked on the current batch. Caller must hold w.mu.
func (w *Writer) flushLocked() {
	err := w.bw.Flush()
	if err == nil {
		err = w.file.Sync()
	}
	for _, ch := range w.waiters {
		ch <- err
		close(ch)
	}
	w.waiters = w.waiters[:0]
	w.pending = 0
	w.lastFsync = time.Now()
}

// Append writes one record and blocks until the group-commit batch
// containing it has been fsynced — "no downstream message carrying an
// effect of a batch may be released until fsync returns for that batch"
// (spec.md §4.4 "Group commit").
func (w *Writer) Append(entryType EntryType, seqID coretypes.SeqNum, payload interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("durability: encode payload: %w", err)
	}
	nowNs := time.Now().UnixNano()

	checksummed := new(bytes.Buffer)
	checksummed.WriteByte(byte(entryType))
	binary.Write(checksummed, binary.BigEndian, uint64(seqID))
	binary.Write(checksummed, binary.BigEndian, nowNs)
	checksummed.Write(buf.Bytes())

	crc := crc32.Checksum(checksummed.Bytes(), crc32cTable)

	w.mu.Lock()
	binary.Write(w.bw, binary.BigEndian, uint32(checksummed.Len()))
	binary.Write(w.bw, binary.BigEndian, crc)
	w.bw.Write(checksummed.Bytes())

	w.pending++
	done := make(chan error, 1)
	w.waiters = append(w.waiters, done)

	if w.pending >= w.cfg.GroupCommitN {
		w.flushLocked()
	}
	w.mu.Unlock()

	return <-done
}

// Close flushes, fsyncs, and closes the underlying file.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopTicker)
		w.mu.Lock()
		if w.pending > 0 {
			w.flushLocked()
		}
		w.mu.Unlock()
		err = w.file.Close()
	})
	return err
}

// Record is one decoded WAL entry, as read back during recovery.
type Record struct {
	EntryType   EntryType
	SeqId       coretypes.SeqNum
	TimestampNs int64
	Payload     interface{}
}

// ReadAll opens a fresh read handle (the writer owns the append handle,
// spec.md §5 "readers open fresh handles on recovery") and decodes every
// well-formed record in order. A torn tail record is silently stopped at,
// matching the truncate-on-open behavior for the writer path.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	for {
		rec, ok, err := readOneRecord(f)
		if err != nil {
			return out, nil // stop at first corrupt/torn record, spec.md §4.4
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func readOneRecord(r io.Reader) (Record, bool, error) {
	var length, crc uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if err := binary.Read(r, binary.BigEndian, &crc); err != nil {
		return Record{}, false, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, false, err
	}
	if crc32.Checksum(body, crc32cTable) != crc {
		return Record{}, false, fmt.Errorf("durability: crc mismatch")
	}

	br := bytes.NewReader(body)
	entryType, _ := br.ReadByte()
	var seqRaw uint64
	var tsNs int64
	binary.Read(br, binary.BigEndian, &seqRaw)
	binary.Read(br, binary.BigEndian, &tsNs)

	payload, err := decodePayload(EntryType(entryType), br)
	if err != nil {
		return Record{}, false, err
	}
	return Record{
		EntryType:   EntryType(entryType),
		SeqId:       coretypes.SeqNum(seqRaw),
		TimestampNs: tsNs,
		Payload:     payload,
	}, true, nil
}

func decodePayload(t EntryType, r io.Reader) (interface{}, error) {
	dec := gob.NewDecoder(r)
	switch t {
	case EntryOrderPlace:
		var p actions.PlaceRequest
		err := dec.Decode(&p)
		return p, err
	case EntryOrderCancel:
		var p actions.CancelRequest
		err := dec.Decode(&p)
		return p, err
	case EntryOrderReduce:
		var p actions.ReduceRequest
		err := dec.Decode(&p)
		return p, err
	case EntryOrderMove:
		var p actions.MoveRequest
		err := dec.Decode(&p)
		return p, err
	case EntryFundingDeposit, EntryFundingWithdraw:
		var p FundingPayload
		err := dec.Decode(&p)
		return p, err
	case EntryTradeSettled:
		var p events.TradeEvent
		err := dec.Decode(&p)
		return p, err
	case EntryCheckpoint:
		var p CheckpointPayload
		err := dec.Decode(&p)
		return p, err
	default:
		return nil, fmt.Errorf("durability: unknown entry type %d", t)
	}
}

// truncateTornTail scans an existing WAL file and truncates it at the
// first invalid record, so a partial write left by a crash mid-fsync never
// confuses recovery (spec.md §4.4 "Torn-write safety").
func truncateTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var offset int64
	for {
		start := offset
		var length, crc uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			break
		}
		if err := binary.Read(f, binary.BigEndian, &crc); err != nil {
			break
		}
		body := make([]byte, length)
		n, _ := io.ReadFull(f, body)
		if n != int(length) || crc32.Checksum(body[:n], crc32cTable) != crc {
			return f.Truncate(start)
		}
		offset = start + 8 + int64(length)
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			break
		}
	}
	return nil
}
