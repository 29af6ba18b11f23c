package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/persistence"
)

const replayBatchSize = 1000

// recoverCore restores the latest verified snapshot, or starts from genesis
// with an empty withdrawal list, then replays the event log after it. Every
// replayed event must land on its logged sequence and state hash.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	logger zerolog.Logger,
) (int64, error) {
	verified, err := snapMgr.VerifyPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	if verified > 0 {
		logger.Info().Int64("count", verified).Msg("snapshots verified against the event log")
	}

	from := int64(0)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		coreSnap, err := snap.ToCoreSnapshot()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(coreSnap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		if err := c.ResetQueue(); err != nil {
			return 0, fmt.Errorf("reset withdrawal queue: %w", err)
		}
		logger.Info().Msg("no snapshot, replaying from genesis")
	}

	c.BeginReplay()
	defer c.EndReplay()
	return replayLog(ctx, c, snapMgr, from)
}

func replayLog(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, from int64) (int64, error) {
	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			evt, err := ingestion.ParsePayload(row.EventType, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("parse logged event %d (%s): %w", row.Sequence, row.EventType, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := c.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}
