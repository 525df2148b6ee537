package durability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
)

func testWALConfig() config.WALConfig {
	return config.WALConfig{GroupCommitN: 1, GroupCommitUs: 200}
}

func TestWriter_AppendAndReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pretrade.wal")
	w, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)

	req := actions.PlaceRequest{OrderId: 1, UserId: 1, Side: coretypes.Buy, Price: 100, Qty: 10}
	require.NoError(t, w.Append(EntryOrderPlace, 1, req))
	require.NoError(t, w.Append(EntryFundingDeposit, 2, FundingPayload{UserId: 1, AssetId: 0, Amount: 500, IsDeposit: true}))
	require.NoError(t, w.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, EntryOrderPlace, records[0].EntryType)
	assert.Equal(t, coretypes.SeqNum(1), records[0].SeqId)
	assert.Equal(t, req, records[0].Payload)

	assert.Equal(t, EntryFundingDeposit, records[1].EntryType)
	funding := records[1].Payload.(FundingPayload)
	assert.Equal(t, uint64(500), funding.Amount)
}

func TestReadAll_MissingFileReturnsEmpty(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "does-not-exist.wal"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadAll_StopsAtTornTailRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pretrade.wal")
	w, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryOrderCancel, 1, actions.CancelRequest{OrderId: 1, UserId: 1}))
	require.NoError(t, w.Close())

	// Append a single stray byte mimicking a crash mid-write of the next
	// record's length header: too short to parse as anything valid.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 1, "the torn trailing byte must not surface as a second record")
}

func TestOpenWriter_WritesFormatVersionSidecarOnFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pretrade.wal")
	w, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(formatVersionPath(path))
	require.NoError(t, err)
	assert.Equal(t, WalFormatVersion.String(), string(raw))
}

func TestOpenWriter_AcceptsSameMajorVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pretrade.wal")
	w, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A minor/patch bump on re-open must not be rejected.
	require.NoError(t, os.WriteFile(formatVersionPath(path), []byte("1.9.3"), 0o644))
	w2, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestOpenWriter_RejectsIncompatibleMajorVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pretrade.wal")
	w, err := OpenWriter(path, testWALConfig())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(formatVersionPath(path), []byte("2.0.0"), 0o644))

	_, err = OpenWriter(path, testWALConfig())
	require.Error(t, err)
	assert.True(t, coreerrors.Is(err, coreerrors.CodeWalFormatIncompatible), "expected CodeWalFormatIncompatible, got %v", err)
}

func TestLog_OpenAppendCheckpointClose(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, testWALConfig())
	require.NoError(t, err)

	require.NoError(t, l.AppendOrderPlace(1, actions.PlaceRequest{OrderId: 1, UserId: 1, Qty: 1}))
	require.NoError(t, l.AppendFunding(2, 1, 0, 100, true))
	require.NoError(t, l.Checkpoint(2, "snapshot-2"))
	require.NoError(t, l.Close())

	records, err := ReadAll(filepath.Join(dir, "pretrade.wal"))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, EntryCheckpoint, records[2].EntryType)
}
