package durability

import (
	"fmt"
	"path/filepath"

	"github.com/nexusdex/spotcore/internal/actions"
	"github.com/nexusdex/spotcore/internal/config"
	"github.com/nexusdex/spotcore/internal/coretypes"
	"github.com/nexusdex/spotcore/internal/events"
)

// Log is the three-partition WAL spec.md §4.4 describes: pretrade.wal
// (admission-time order actions and funding), settlement.wal (trade
// settlement), and match.wal (engine-side trade audit records — the
// Matching Engine itself needs no replay of these, per its snapshot-only
// recovery path; they exist for the settlement audit trail spec.md §4.4
// calls for). It implements balance.WALWriter so the Balance Core never
// sees file layout or group-commit policy.
type Log struct {
	pretrade   *Writer
	settlement *Writer
	match      *Writer
}

// OpenLog opens (or resumes) all three WAL partitions under dir.
func OpenLog(dir string, cfg config.WALConfig) (*Log, error) {
	pretrade, err := OpenWriter(filepath.Join(dir, "pretrade.wal"), cfg)
	if err != nil {
		return nil, err
	}
	settlement, err := OpenWriter(filepath.Join(dir, "settlement.wal"), cfg)
	if err != nil {
		pretrade.Close()
		return nil, err
	}
	match, err := OpenWriter(filepath.Join(dir, "match.wal"), cfg)
	if err != nil {
		pretrade.Close()
		settlement.Close()
		return nil, err
	}
	return &Log{pretrade: pretrade, settlement: settlement, match: match}, nil
}

func (l *Log) AppendOrderPlace(seqID coretypes.SeqNum, req actions.PlaceRequest) error {
	return l.pretrade.Append(EntryOrderPlace, seqID, req)
}

func (l *Log) AppendOrderCancel(seqID coretypes.SeqNum, req actions.CancelRequest) error {
	return l.pretrade.Append(EntryOrderCancel, seqID, req)
}

func (l *Log) AppendOrderReduce(seqID coretypes.SeqNum, req actions.ReduceRequest) error {
	return l.pretrade.Append(EntryOrderReduce, seqID, req)
}

func (l *Log) AppendOrderMove(seqID coretypes.SeqNum, req actions.MoveRequest) error {
	return l.pretrade.Append(EntryOrderMove, seqID, req)
}

func (l *Log) AppendFunding(seqID coretypes.SeqNum, userID coretypes.UserId, assetID coretypes.AssetId, amount uint64, isDeposit bool) error {
	entry := EntryFundingWithdraw
	if isDeposit {
		entry = EntryFundingDeposit
	}
	return l.pretrade.Append(entry, seqID, FundingPayload{UserId: userID, AssetId: assetID, Amount: amount, IsDeposit: isDeposit})
}

func (l *Log) AppendTradeSettled(seqID coretypes.SeqNum, trade events.TradeEvent) error {
	return l.settlement.Append(EntryTradeSettled, seqID, trade)
}

// AppendMatchTrade records a trade on the audit-only match.wal partition,
// written by the pipeline stage that drains the Matching Engine's trade
// output. Recovery never replays this partition (spec.md §4.4 asymmetric
// recovery: the engine rebuilds only from snapshot).
func (l *Log) AppendMatchTrade(seqID coretypes.SeqNum, trade events.TradeEvent) error {
	return l.match.Append(EntryTradeSettled, seqID, trade)
}

// Checkpoint appends the tail marker recording the snapshot a WAL's
// replay horizon now starts from (spec.md §4.4 "tail record
// Checkpoint{last_seq_id, snapshot_id}").
func (l *Log) Checkpoint(seqID coretypes.SeqNum, snapshotID string) error {
	payload := CheckpointPayload{LastSeqId: seqID, SnapshotId: snapshotID}
	if err := l.pretrade.Append(EntryCheckpoint, seqID, payload); err != nil {
		return fmt.Errorf("durability: pretrade checkpoint: %w", err)
	}
	if err := l.settlement.Append(EntryCheckpoint, seqID, payload); err != nil {
		return fmt.Errorf("durability: settlement checkpoint: %w", err)
	}
	return nil
}

// Close closes all three partitions.
func (l *Log) Close() error {
	errPretrade := l.pretrade.Close()
	errSettlement := l.settlement.Close()
	errMatch := l.match.Close()
	if errPretrade != nil {
		return errPretrade
	}
	if errSettlement != nil {
		return errSettlement
	}
	return errMatch
}
