package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/state"
)

const workerID = "main"

// Resyncer captures the full core state for a projection rebuild
type Resyncer func() (*core.SnapshotState, error)

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop, so a sequence gap means
// rows may be stale. Every row carries absolute values, so a gap heals when
// the row is touched again or immediately when a Resyncer is set.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	resync    Resyncer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	resync Resyncer,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		resync:    resync,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil || output.Envelope.Sequence <= pw.lastSeq {
				continue
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 && pw.resync != nil {
				pw.logger.Warn().Int64("last", pw.lastSeq).Int64("seq", seq).Msg("projection gap, resyncing")
				pw.countError("gap")
				if err := pw.resyncNow(ctx); err != nil {
					pw.logger.Warn().Err(err).Msg("projection resync failed")
					pw.countError("resync")
				}
				if seq <= pw.lastSeq {
					continue
				}
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: rows are rewritten on the next touch.
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				pw.countError("update")
			} else if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) resyncNow(ctx context.Context) error {
	snap, err := pw.resync()
	if err != nil {
		return err
	}
	if err := Rebuild(ctx, pw.db, snap); err != nil {
		return err
	}
	pw.lastSeq = snap.Sequence
	return nil
}

func (pw *ProjectionWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.ProjectionErrors.WithLabelValues(kind).Inc()
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ch := output.Changes; ch != nil {
		for _, b := range ch.Balances {
			if err := upsertBalance(ctx, tx, b.Key.AccountPath(), uint16(b.Key.AssetID), b.Balance.String(), seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
		for _, lc := range ch.Loans {
			if err := upsertLoan(ctx, tx, lc.Account, lc.Loan, seq); err != nil {
				return fmt.Errorf("loan projection: %w", err)
			}
		}
		for _, lc := range ch.Lenders {
			if err := upsertLender(ctx, tx, lc.Account, lc.Entry, seq); err != nil {
				return fmt.Errorf("lender projection: %w", err)
			}
		}
		if ch.QueueChanged {
			if err := replaceQueue(ctx, tx, ch.Queue, ch.InFlight, seq); err != nil {
				return fmt.Errorf("queue projection: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func upsertBalance(ctx context.Context, tx *sql.Tx, path string, asset uint16, balance string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3::numeric, $4, NOW())
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.balances.last_sequence <= EXCLUDED.last_sequence
	`, path, int64(asset), balance, seq)
	return err
}

// upsertLoan writes the loan row, or removes it once the loan is closed
func upsertLoan(ctx context.Context, tx *sql.Tx, account string, loan *state.Loan, seq int64) error {
	if loan == nil {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.loans WHERE account_id = $1 AND last_sequence <= $2
		`, account, seq)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.loans (account_id, collateral, borrowed, ratio_num, ratio_den, last_sequence, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, NOW())
		ON CONFLICT (account_id)
		DO UPDATE SET collateral = EXCLUDED.collateral, borrowed = EXCLUDED.borrowed,
			ratio_num = EXCLUDED.ratio_num, ratio_den = EXCLUDED.ratio_den,
			last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.loans.last_sequence <= EXCLUDED.last_sequence
	`, account, loan.Collateral.Dec(), loan.Borrowed.Dec(),
		strconv.FormatUint(loan.MinimumCollateralRatio.Num, 10),
		strconv.FormatUint(loan.MinimumCollateralRatio.Den, 10), seq)
	return err
}

func upsertLender(ctx context.Context, tx *sql.Tx, account string, entry state.LenderEntry, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.lenders (account_id, amount_in_pool, pending_request_ids, last_sequence, updated_at)
		VALUES ($1, $2::numeric, $3::numeric[], $4, NOW())
		ON CONFLICT (account_id)
		DO UPDATE SET amount_in_pool = EXCLUDED.amount_in_pool,
			pending_request_ids = EXCLUDED.pending_request_ids,
			last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.lenders.last_sequence <= EXCLUDED.last_sequence
	`, account, entry.AmountInLendingPool.Dec(), pq.Array(formatIDs(entry.PendingWithdrawalRequestIDs)), seq)
	return err
}

// replaceQueue rewrites the queue and in-flight tables unless a newer
// version is already stored.
func replaceQueue(ctx context.Context, tx *sql.Tx, queue []state.QueuedWithdrawal, inFlight []uint64, seq int64) error {
	var stored sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT GREATEST(
			(SELECT MAX(last_sequence) FROM projections.withdrawal_queue),
			(SELECT MAX(last_sequence) FROM projections.withdrawals_in_flight))
	`).Scan(&stored); err != nil {
		return err
	}
	if stored.Valid && stored.Int64 > seq {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.withdrawal_queue`); err != nil {
		return err
	}
	for pos, w := range queue {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.withdrawal_queue (position, request_id, account_id, amount, last_sequence)
			VALUES ($1, $2::numeric, $3, $4::numeric, $5)
		`, pos, strconv.FormatUint(w.RequestID, 10), w.AccountID, w.Amount.Dec(), seq); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.withdrawals_in_flight`); err != nil {
		return err
	}
	for _, id := range inFlight {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.withdrawals_in_flight (request_id, last_sequence)
			VALUES ($1::numeric, $2)
		`, strconv.FormatUint(id, 10), seq); err != nil {
			return err
		}
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.watermark.last_sequence < EXCLUDED.last_sequence
	`, workerID, seq)
	return err
}

func formatIDs(ids []uint64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, workerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// Rebuild truncates every projection table and rewrites it from a full
// capture of the core state.
func Rebuild(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.loans`,
		`TRUNCATE projections.lenders`,
		`TRUNCATE projections.withdrawal_queue`,
		`TRUNCATE projections.withdrawals_in_flight`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	seq := snap.Sequence
	for key, bal := range snap.Balances {
		if err := upsertBalance(ctx, tx, key.AccountPath(), uint16(key.AssetID), bal.String(), seq); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
	}
	for i := range snap.Loans {
		if err := upsertLoan(ctx, tx, snap.Loans[i].Account, &snap.Loans[i].Loan, seq); err != nil {
			return fmt.Errorf("rebuild loans: %w", err)
		}
	}
	for _, l := range snap.Pool.Lenders {
		if err := upsertLender(ctx, tx, l.Account, l.Entry, seq); err != nil {
			return fmt.Errorf("rebuild lenders: %w", err)
		}
	}

	requests := make(map[uint64]state.WithdrawalRequest, len(snap.Pool.Requests))
	for _, r := range snap.Pool.Requests {
		requests[r.RequestID] = r.Request
	}
	queue := make([]state.QueuedWithdrawal, 0, len(snap.Pool.QueueOrder))
	for _, id := range snap.Pool.QueueOrder {
		req := requests[id]
		queue = append(queue, state.QueuedWithdrawal{RequestID: id, AccountID: req.AccountID, Amount: req.Amount})
	}
	if err := replaceQueue(ctx, tx, queue, snap.Pool.InFlight, seq); err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	if seq >= 0 {
		if err := setWatermark(ctx, tx, seq); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}
	return tx.Commit()
}
