package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"GratisLedger/internal/core"
	"GratisLedger/internal/ledger"
	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/state"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData with decimal amounts
const snapshotFormatVersion = 1

var ErrSnapshotFormat = errors.New("persistence: unsupported snapshot format")

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot is saved unverified and becomes eligible for restore once its
// state hash matches the logged event at the same sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. Every
// 256-bit amount is a decimal string.
type SnapshotData struct {
	Sequence             int64            `json:"sequence"`
	StateHash            string           `json:"state_hash"`
	Balances             []BalanceSnap    `json:"balances"`
	Loans                []LoanSnap       `json:"loans"`
	Lenders              []LenderSnap     `json:"lenders"`
	Requests             []RequestSnap    `json:"requests"`
	InFlight             []uint64         `json:"in_flight"`
	QueueOrder           []uint64         `json:"queue_order"`
	NextRequestID        uint64           `json:"next_request_id"`
	Intents              []IntentSnap     `json:"intents"`
	FeePool              string           `json:"fee_pool"`
	LiquidatedPool       string           `json:"liquidated_pool"`
	CollateralPrice      *PriceSnap       `json:"collateral_price,omitempty"`
	LoanPrice            *PriceSnap       `json:"loan_price,omitempty"`
	PriceTimestamp       uint64           `json:"price_timestamp"`
	PriceRecency         uint32           `json:"price_recency"`
	PendingPriceRequests []string         `json:"pending_price_requests"`
	SequenceState        map[string]int64 `json:"sequence_state"`
	IdempotencyKeys      []string         `json:"idempotency_keys"`
	CreatedAt            time.Time        `json:"created_at"`
}

type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	Owner   string `json:"owner,omitempty"`
	SubType uint8  `json:"sub_type"`
	AssetID uint16 `json:"asset_id"`
	Balance string `json:"balance"` // signed
}

type LoanSnap struct {
	Account    string          `json:"account"`
	Collateral string          `json:"collateral"`
	Borrowed   string          `json:"borrowed"`
	MinRatio   fpmath.Fraction `json:"min_ratio"`
}

type LenderSnap struct {
	Account    string   `json:"account"`
	Amount     string   `json:"amount"`
	RequestIDs []uint64 `json:"request_ids"`
}

type RequestSnap struct {
	RequestID uint64 `json:"request_id"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
}

type IntentSnap struct {
	TransferID          string           `json:"transfer_id"`
	Kind                string           `json:"kind"`
	Account             string           `json:"account"`
	Asset               uint16           `json:"asset"`
	Amount              string           `json:"amount"`
	Status              uint8            `json:"status"`
	WithdrawalRequestID *uint64          `json:"withdrawal_request_id,omitempty"`
	CollateralRatio     *fpmath.Fraction `json:"collateral_ratio,omitempty"`
	EventRef            string           `json:"event_ref"`
	CreatedSequence     int64            `json:"created_sequence"`
}

type PriceSnap struct {
	Mantissa string `json:"mantissa"`
	Decimals uint8  `json:"decimals"`
}

// FromCoreSnapshot converts captured core state into its persisted form
func FromCoreSnapshot(s *core.SnapshotState, now time.Time) *SnapshotData {
	d := &SnapshotData{
		Sequence:             s.Sequence,
		StateHash:            hex.EncodeToString(s.StateHash[:]),
		InFlight:             append([]uint64{}, s.Pool.InFlight...),
		QueueOrder:           append([]uint64{}, s.Pool.QueueOrder...),
		NextRequestID:        s.Pool.NextRequestID,
		FeePool:              s.FeePool.Dec(),
		LiquidatedPool:       s.LiquidatedPool.Dec(),
		CollateralPrice:      priceSnap(s.CollateralPrice),
		LoanPrice:            priceSnap(s.LoanPrice),
		PriceTimestamp:       s.PriceTimestamp,
		PriceRecency:         s.PriceRecency,
		PendingPriceRequests: append([]string{}, s.PendingPriceRequests...),
		SequenceState:        s.SequenceState,
		IdempotencyKeys:      append([]string{}, s.IdempotencyKeys...),
		CreatedAt:            now.UTC(),
	}

	d.Balances = make([]BalanceSnap, 0, len(s.Balances))
	for key, bal := range s.Balances {
		d.Balances = append(d.Balances, BalanceSnap{
			Scope:   uint8(key.Scope),
			Owner:   key.Owner,
			SubType: uint8(key.SubType),
			AssetID: uint16(key.AssetID),
			Balance: bal.String(),
		})
	}
	sort.Slice(d.Balances, func(i, j int) bool {
		return balanceKey(d.Balances[i]).AccountPath() < balanceKey(d.Balances[j]).AccountPath()
	})

	for _, r := range s.Loans {
		d.Loans = append(d.Loans, LoanSnap{
			Account:    r.Account,
			Collateral: r.Loan.Collateral.Dec(),
			Borrowed:   r.Loan.Borrowed.Dec(),
			MinRatio:   r.Loan.MinimumCollateralRatio,
		})
	}
	for _, l := range s.Pool.Lenders {
		d.Lenders = append(d.Lenders, LenderSnap{
			Account:    l.Account,
			Amount:     l.Entry.AmountInLendingPool.Dec(),
			RequestIDs: append([]uint64{}, l.Entry.PendingWithdrawalRequestIDs...),
		})
	}
	for _, r := range s.Pool.Requests {
		d.Requests = append(d.Requests, RequestSnap{
			RequestID: r.RequestID,
			Account:   r.Request.AccountID,
			Amount:    r.Request.Amount.Dec(),
		})
	}
	for _, ti := range s.Intents {
		d.Intents = append(d.Intents, IntentSnap{
			TransferID:          ti.TransferID.String(),
			Kind:                ti.Kind.String(),
			Account:             ti.Account,
			Asset:               uint16(ti.Asset),
			Amount:              ti.Amount.Dec(),
			Status:              uint8(ti.Status),
			WithdrawalRequestID: ti.WithdrawalRequestID,
			CollateralRatio:     ti.CollateralRatio,
			EventRef:            ti.EventRef,
			CreatedSequence:     ti.CreatedSequence,
		})
	}
	return d
}

// ToCoreSnapshot converts the persisted form back into core state
func (d *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:             d.Sequence,
		Balances:             make(map[ledger.AccountKey]*big.Int, len(d.Balances)),
		PriceTimestamp:       d.PriceTimestamp,
		PriceRecency:         d.PriceRecency,
		PendingPriceRequests: d.PendingPriceRequests,
		SequenceState:        d.SequenceState,
		IdempotencyKeys:      d.IdempotencyKeys,
		Pool: state.PoolSnapshot{
			InFlight:      d.InFlight,
			QueueOrder:    d.QueueOrder,
			NextRequestID: d.NextRequestID,
		},
	}

	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != len(s.StateHash) {
		return nil, fmt.Errorf("%w: state hash %q", ErrSnapshotFormat, d.StateHash)
	}
	copy(s.StateHash[:], hash)

	for _, b := range d.Balances {
		bal, ok := new(big.Int).SetString(b.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("%w: balance %q", ErrSnapshotFormat, b.Balance)
		}
		s.Balances[balanceKey(b)] = bal
	}

	if err := decodeU256(&s.FeePool, d.FeePool); err != nil {
		return nil, err
	}
	if err := decodeU256(&s.LiquidatedPool, d.LiquidatedPool); err != nil {
		return nil, err
	}
	if s.CollateralPrice, err = d.CollateralPrice.price(); err != nil {
		return nil, err
	}
	if s.LoanPrice, err = d.LoanPrice.price(); err != nil {
		return nil, err
	}

	for _, l := range d.Loans {
		rec := state.LoanRecord{Account: l.Account}
		rec.Loan.MinimumCollateralRatio = l.MinRatio
		if err := decodeU256(&rec.Loan.Collateral, l.Collateral); err != nil {
			return nil, err
		}
		if err := decodeU256(&rec.Loan.Borrowed, l.Borrowed); err != nil {
			return nil, err
		}
		s.Loans = append(s.Loans, rec)
	}
	for _, l := range d.Lenders {
		rec := state.LenderRecord{Account: l.Account}
		rec.Entry.PendingWithdrawalRequestIDs = l.RequestIDs
		if err := decodeU256(&rec.Entry.AmountInLendingPool, l.Amount); err != nil {
			return nil, err
		}
		s.Pool.Lenders = append(s.Pool.Lenders, rec)
	}
	for _, r := range d.Requests {
		rec := state.RequestRecord{RequestID: r.RequestID}
		rec.Request.AccountID = r.Account
		if err := decodeU256(&rec.Request.Amount, r.Amount); err != nil {
			return nil, err
		}
		s.Pool.Requests = append(s.Pool.Requests, rec)
	}
	for _, i := range d.Intents {
		id, err := uuid.Parse(i.TransferID)
		if err != nil {
			return nil, fmt.Errorf("%w: transfer id: %v", ErrSnapshotFormat, err)
		}
		kind, err := state.ParseIntentKind(i.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
		}
		ti := state.TransferIntent{
			TransferID:          id,
			Kind:                kind,
			Account:             i.Account,
			Asset:               ledger.AssetID(i.Asset),
			Status:              state.IntentStatus(i.Status),
			WithdrawalRequestID: i.WithdrawalRequestID,
			CollateralRatio:     i.CollateralRatio,
			EventRef:            i.EventRef,
			CreatedSequence:     i.CreatedSequence,
		}
		if err := decodeU256(&ti.Amount, i.Amount); err != nil {
			return nil, err
		}
		s.Intents = append(s.Intents, ti)
	}
	return s, nil
}

func balanceKey(b BalanceSnap) ledger.AccountKey {
	return ledger.AccountKey{
		Scope:   ledger.AccountScope(b.Scope),
		Owner:   b.Owner,
		SubType: ledger.AccountSubType(b.SubType),
		AssetID: ledger.AssetID(b.AssetID),
	}
}

func decodeU256(dst *uint256.Int, s string) error {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("%w: amount %q: %v", ErrSnapshotFormat, s, err)
	}
	dst.Set(v)
	return nil
}

func priceSnap(p *fpmath.Price) *PriceSnap {
	if p == nil {
		return nil
	}
	return &PriceSnap{Mantissa: p.Mantissa.Dec(), Decimals: p.Decimals}
}

func (p *PriceSnap) price() (*fpmath.Price, error) {
	if p == nil {
		return nil, nil
	}
	out := &fpmath.Price{Decimals: p.Decimals}
	if err := decodeU256(&out.Mantissa, p.Mantissa); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeSnapshot and DecodeSnapshot are the byte form stored in event_log.snapshots
func EncodeSnapshot(d *SnapshotData) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeSnapshot(data []byte) (*SnapshotData, error) {
	var d SnapshotData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	return &d, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot as unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return fmt.Errorf("%w: state hash: %v", ErrSnapshotFormat, err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, hash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// VerifyPending marks unverified snapshots whose state hash matches the
// logged event at the same sequence. It returns how many were verified.
// A snapshot taken ahead of the persistence worker stays unverified until
// its event is written.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE NOT s.verified
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil without error when there is none, which means a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSnapshotFormat, version)
	}
	return DecodeSnapshot(data)
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, account_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e       EventRow
			account sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &account,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		if account.Valid {
			e.AccountID = &account.String
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
