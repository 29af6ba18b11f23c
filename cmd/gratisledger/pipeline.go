package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/persistence"
	"GratisLedger/internal/state"
	"GratisLedger/internal/transfer"
)

// bridgeOutputs encodes each applied event once and fans it out to the
// event log writer, which blocks, and the outbound publisher, which drops
// when full. It closes both outputs when in closes.
func bridgeOutputs(
	in <-chan core.CoreOutput,
	records chan<- persistence.Record,
	publish chan<- ingestion.PublishableEvent,
	logger zerolog.Logger,
) {
	defer close(records)
	defer close(publish)

	for out := range in {
		payload, err := ingestion.EncodeEvent(out.Event)
		if err != nil {
			// The log cannot skip a sequence.
			logger.Fatal().Err(err).Int64("seq", out.Envelope.Sequence).Msg("encode applied event")
		}
		env := *out.Envelope
		env.Payload = payload
		out.Envelope = &env

		records <- persistence.NewRecord(out)

		select {
		case publish <- ingestion.NewPublishableEvent(&env):
		default:
			logger.Debug().Int64("seq", env.Sequence).Msg("publish channel full, event dropped")
		}
	}
}

// transferResultHandler feeds counterparty verdicts back into the core. A
// verdict may also arrive on the results stream; the second one is rejected
// as unknown and ignored.
func transferResultHandler(submit ingestion.Submitter, logger zerolog.Logger) transfer.ResultHandler {
	return func(ctx context.Context, res transfer.Result) {
		at := res.At
		if at.IsZero() {
			at = time.Now()
		}
		_, err := submit(ctx, &event.TransferResult{
			TransferID: res.TransferID,
			Success:    res.Success,
			Reason:     res.Reason,
			Timestamp:  at,
		})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, state.ErrUnknownTransfer):
			logger.Debug().Str("transfer_id", res.TransferID.String()).Msg("transfer already settled")
		default:
			logger.Error().Err(err).Str("transfer_id", res.TransferID.String()).Msg("transfer result rejected")
		}
	}
}

// priceResultHandler turns an oracle reply into PriceDataReceived, or a
// failure into PriceRequestFailed. A reply the core rejects as invalid or
// stale ends the refresh with PriceRequestFailed.
func priceResultHandler(submit ingestion.Submitter, logger zerolog.Logger) oracle.ResultHandler {
	fail := func(ctx context.Context, id string, reason error) {
		evt := &event.PriceRequestFailed{RequestID: id, Reason: reason.Error(), Timestamp: time.Now()}
		if _, err := submit(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("request_id", id).Msg("price failure rejected")
		}
	}

	return func(ctx context.Context, req oracle.PriceRequest, data *oracle.PriceData, err error) {
		if err != nil {
			fail(ctx, req.RequestID, err)
			return
		}
		_, err = submit(ctx, &event.PriceDataReceived{RequestID: req.RequestID, Data: *data, Timestamp: time.Now()})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, oracle.ErrInvalidOracleData), errors.Is(err, oracle.ErrStaleSnapshot):
			logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("oracle reply rejected, failing refresh")
			fail(ctx, req.RequestID, err)
		default:
			logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("price result rejected")
		}
	}
}

// abandonPriceRequests fails price requests that were in flight when the
// process last stopped. Their replies can no longer arrive.
func abandonPriceRequests(ctx context.Context, ids []string, submit ingestion.Submitter, logger zerolog.Logger) {
	for _, id := range ids {
		_, err := submit(ctx, &event.PriceRequestFailed{RequestID: id, Reason: "abandoned at restart", Timestamp: time.Now()})
		if err != nil {
			logger.Warn().Err(err).Str("request_id", id).Msg("abandon price request")
		}
	}
}

func runPriceRefresh(ctx context.Context, interval time.Duration, commands *ingestion.CommandService, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := commands.RefreshPrices(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("scheduled price refresh failed")
			}
		}
	}
}

// snapshot captures the core state and stores it unverified. It is verified
// once the event at its sequence is in the log.
func snapshot(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()
	snap, err := c.CreateSnapshotState()
	if err != nil {
		return 0, fmt.Errorf("capture snapshot: %w", err)
	}
	if snap.Sequence < 0 {
		return 0, errors.New("capture snapshot: no events applied yet")
	}
	if err := snapMgr.SaveSnapshot(ctx, persistence.FromCoreSnapshot(snap, time.Now())); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}

// runSnapshots snapshots on every tick where the core has advanced, and
// verifies earlier snapshots whose events have since been persisted.
func runSnapshots(
	ctx context.Context,
	interval time.Duration,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	take func(context.Context) (int64, error),
	logger zerolog.Logger,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := c.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := snapMgr.VerifyPending(ctx); err != nil {
				logger.Warn().Err(err).Msg("snapshot verification failed")
			}
			current := c.GetSequence()
			if current == last {
				continue
			}
			seq, err := take(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
			logger.Info().Int64("sequence", seq).Msg("snapshot saved")
		}
	}
}
