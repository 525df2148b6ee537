package durability

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/nexusdex/spotcore/internal/balance"
	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/matching"
)

const completeMarkerName = "COMPLETE"

// BalanceSnapshot is the serialized form of every UserAccount the Balance
// Core holds.
type BalanceSnapshot struct {
	Accounts []AccountSnapshot
}

type AccountSnapshot struct {
	UserId  coretypes.UserId
	Balances []BalanceRecord
}

type BalanceRecord struct {
	AssetId coretypes.AssetId
	Avail   uint64
	Frozen  uint64
	Version uint64
}

// OrderBookSnapshot is the serialized form of an Engine's resting orders.
type OrderBookSnapshot struct {
	Orders         []matching.Order
	TradeIdCounter coretypes.TradeId
}

func init() {
	gob.Register(BalanceSnapshot{})
	gob.Register(OrderBookSnapshot{})
}

// completeMarker is the sibling file that makes a snapshot directory valid
// (spec.md §4.4 "a snapshot without COMPLETE is ignored").
type completeMarker struct {
	SnapshotId string
	LastSeqId  coretypes.SeqNum
	FileCrc32  map[string]uint32
}

// WriteSnapshot serializes the Balance Core and the Matching Engine's
// resting orders to <dir>/snapshot-<lastSeqId>/, zstd-compressed, then
// writes the COMPLETE marker last so a half-written snapshot is never
// mistaken for a valid one (spec.md §4.4 "Snapshot").
func WriteSnapshot(dir string, lastSeqId coretypes.SeqNum, core *balance.Core, engine *matching.Engine) (string, error) {
	snapDir := filepath.Join(dir, fmt.Sprintf("snapshot-%d", lastSeqId))
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("durability: mkdir snapshot dir: %w", err)
	}

	balSnap := toBalanceSnapshot(core)
	bookSnap := toOrderBookSnapshot(engine)

	crcs := make(map[string]uint32, 2)

	balancePath := filepath.Join(snapDir, "balances.snap.zst")
	crc, err := writeCompressed(balancePath, balSnap)
	if err != nil {
		return "", err
	}
	crcs["balances.snap.zst"] = crc

	bookPath := filepath.Join(snapDir, "orderbook.snap.zst")
	crc, err = writeCompressed(bookPath, bookSnap)
	if err != nil {
		return "", err
	}
	crcs["orderbook.snap.zst"] = crc

	marker := completeMarker{
		SnapshotId: uuid.NewString(),
		LastSeqId:  lastSeqId,
		FileCrc32:  crcs,
	}
	markerPath := filepath.Join(snapDir, completeMarkerName)
	if err := writeGobFile(markerPath, marker); err != nil {
		return "", fmt.Errorf("durability: write COMPLETE marker: %w", err)
	}

	return snapDir, nil
}

func toBalanceSnapshot(core *balance.Core) BalanceSnapshot {
	accounts := core.AccountSnapshot()
	out := BalanceSnapshot{Accounts: make([]AccountSnapshot, 0, len(accounts))}
	for uid, acct := range accounts {
		recs := make([]BalanceRecord, 0, len(acct.Assets()))
		for assetIdx, b := range acct.Assets() {
			recs = append(recs, BalanceRecord{
				AssetId: coretypes.AssetId(assetIdx),
				Avail:   b.Avail(),
				Frozen:  b.Frozen(),
				Version: b.Version(),
			})
		}
		out.Accounts = append(out.Accounts, AccountSnapshot{UserId: uid, Balances: recs})
	}
	sort.Slice(out.Accounts, func(i, j int) bool { return out.Accounts[i].UserId < out.Accounts[j].UserId })
	return out
}

func toOrderBookSnapshot(engine *matching.Engine) OrderBookSnapshot {
	book := engine.Book()
	orders := book.AllOrders()
	out := OrderBookSnapshot{Orders: make([]matching.Order, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, *o)
	}
	return out
}

func writeCompressed(path string, v interface{}) (uint32, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(v); err != nil {
		return 0, fmt.Errorf("durability: encode snapshot payload: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("durability: create snapshot file %s: %w", path, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("durability: zstd writer: %w", err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return 0, fmt.Errorf("durability: zstd write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("durability: zstd close: %w", err)
	}

	return crc32.ChecksumIEEE(raw.Bytes()), nil
}

func writeGobFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(v)
}

// readCompressed decompresses path into v and returns the CRC32 of the
// decompressed (pre-compression) payload, so the caller can check it
// against the COMPLETE marker's recorded checksum before trusting v.
func readCompressed(path string, v interface{}) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("durability: zstd reader: %w", err)
	}
	defer zr.Close()

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, zr); err != nil {
		return 0, fmt.Errorf("durability: zstd decompress: %w", err)
	}
	crc := crc32.ChecksumIEEE(raw.Bytes())
	if err := gob.NewDecoder(&raw).Decode(v); err != nil {
		return 0, fmt.Errorf("durability: decode snapshot payload: %w", err)
	}
	return crc, nil
}

// LoadedSnapshot is the decoded, validated result of the newest snapshot.
type LoadedSnapshot struct {
	SnapshotSeq coretypes.SeqNum
	Balances    BalanceSnapshot
	Book        OrderBookSnapshot
}

// LatestValidSnapshot scans dir for snapshot-<seq> subdirectories, returning
// the one with the highest seq that carries a valid COMPLETE marker
// (spec.md §4.4 recovery step 1). It returns ok=false if none exist — a
// legitimate cold start, not an error.
func LatestValidSnapshot(dir string) (LoadedSnapshot, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadedSnapshot{}, false, nil
		}
		return LoadedSnapshot{}, false, err
	}

	var best int64 = -1
	var bestName string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") {
			continue
		}
		seqStr := strings.TrimPrefix(e.Name(), "snapshot-")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		markerPath := filepath.Join(dir, e.Name(), completeMarkerName)
		if _, err := os.Stat(markerPath); err != nil {
			continue // no COMPLETE marker: ignored per spec.md §4.4
		}
		if seq > best {
			best = seq
			bestName = e.Name()
		}
	}
	if best < 0 {
		return LoadedSnapshot{}, false, nil
	}

	snapDir := filepath.Join(dir, bestName)
	var marker completeMarker
	if err := readGobFile(filepath.Join(snapDir, completeMarkerName), &marker); err != nil {
		return LoadedSnapshot{}, false, fmt.Errorf("durability: read COMPLETE marker: %w", err)
	}

	var balSnap BalanceSnapshot
	balCrc, err := readCompressed(filepath.Join(snapDir, "balances.snap.zst"), &balSnap)
	if err != nil {
		return LoadedSnapshot{}, false, fmt.Errorf("durability: corrupt balances snapshot: %w", err)
	}
	if err := checkSnapshotCrc(marker, "balances.snap.zst", balCrc); err != nil {
		return LoadedSnapshot{}, false, err
	}

	var bookSnap OrderBookSnapshot
	bookCrc, err := readCompressed(filepath.Join(snapDir, "orderbook.snap.zst"), &bookSnap)
	if err != nil {
		return LoadedSnapshot{}, false, fmt.Errorf("durability: corrupt orderbook snapshot: %w", err)
	}
	if err := checkSnapshotCrc(marker, "orderbook.snap.zst", bookCrc); err != nil {
		return LoadedSnapshot{}, false, err
	}

	return LoadedSnapshot{
		SnapshotSeq: coretypes.SeqNum(best),
		Balances:    balSnap,
		Book:        bookSnap,
	}, true, nil
}

// checkSnapshotCrc compares a freshly-computed file CRC32 against the value
// the COMPLETE marker recorded at write time (spec.md §4.4 "a corrupted
// snapshot (bad CRC or missing COMPLETE) halts startup with a fatal
// diagnostic"). A missing marker entry is itself treated as corruption
// rather than silently accepted.
func checkSnapshotCrc(marker completeMarker, file string, got uint32) error {
	want, ok := marker.FileCrc32[file]
	if !ok {
		return coreerrors.Newf(coreerrors.CodeSnapshotCorrupt, "snapshot %s: no CRC recorded in COMPLETE marker", file)
	}
	if got != want {
		return coreerrors.Newf(coreerrors.CodeSnapshotCorrupt, "snapshot %s: CRC32 mismatch (marker=%d, computed=%d)", file, want, got)
	}
	return nil
}

func readGobFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

// GCOldSnapshots removes snapshot directories other than keepSeq whose
// COMPLETE marker is older than graceSeconds (spec.md §4.4 "Old snapshots
// are GC'd after the next successful snapshot + N seconds").
func GCOldSnapshots(dir string, keepSeq coretypes.SeqNum, graceSeconds int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") {
			continue
		}
		seqStr := strings.TrimPrefix(e.Name(), "snapshot-")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil || coretypes.SeqNum(seq) == keepSeq {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > time.Duration(graceSeconds)*time.Second {
			os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
