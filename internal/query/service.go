package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"GratisLedger/internal/core"
	"GratisLedger/internal/ledger"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/projection"
	"GratisLedger/internal/state"
)

var (
	ErrInvalidQuery       = errors.New("query: invalid query")
	ErrNotFound           = errors.New("query: not found")
	ErrHistoryUnavailable = errors.New("query: history store not configured")
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// CoreReader is the read side of the deterministic core
type CoreReader interface {
	GetSequence() int64
	GetStateHash() [32]byte
	Loan(account string) (state.Loan, bool)
	LoanRecords() []state.LoanRecord
	LoanStatus(account string) (state.LoanStatus, error)
	LoanStatuses() ([]state.AccountLoanStatus, error)
	Lender(account string) (state.LenderEntry, bool)
	WithdrawalQueue() ([]state.QueuedWithdrawal, error)
	WithdrawalQueueDepth(id uint64) (*uint256.Int, error)
	WithdrawalsInFlight() []uint64
	ProtocolPools() (fee, liquidated *uint256.Int)
	Prices() core.PriceView
	PendingTransfers() []state.TransferIntent
	FailedTransfers() []state.TransferIntent
	PendingPriceRequests() []string
	Balance(key ledger.AccountKey) *big.Int
	RiskParams() state.RiskParams
}

// QueryService answers reads from the core's in-memory state between
// events, and history from the Postgres event log. Every response carries
// as_of_sequence, the last applied sequence when it was built.
type QueryService struct {
	core CoreReader
	db   *sql.DB // optional
}

func NewQueryService(core CoreReader, db *sql.DB) *QueryService {
	return &QueryService{core: core, db: db}
}

func (qs *QueryService) asOf() int64 {
	return qs.core.GetSequence() - 1
}

// GetLoan returns an account's loan. The valuation is omitted while prices
// are unavailable.
func (qs *QueryService) GetLoan(account string) (*LoanResponse, error) {
	loan, ok := qs.core.Loan(account)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrLoanNotFound, account)
	}
	resp := &LoanResponse{
		Account:                account,
		Collateral:             amount(&loan.Collateral),
		Borrowed:               amount(&loan.Borrowed),
		MinimumCollateralRatio: ratio(loan.MinimumCollateralRatio),
		AsOfSequence:           qs.asOf(),
	}
	if status, err := qs.core.LoanStatus(account); err == nil {
		resp.Valuation = valuation(status)
	} else if !errors.Is(err, oracle.ErrPriceUnavailable) {
		return nil, err
	}
	return resp, nil
}

// ListLoans returns every open loan in account order.
func (qs *QueryService) ListLoans() ([]LoanResponse, error) {
	asOf := qs.asOf()
	statuses, err := qs.core.LoanStatuses()
	priced := err == nil
	if err != nil && !errors.Is(err, oracle.ErrPriceUnavailable) {
		return nil, err
	}

	out := []LoanResponse{}
	if priced {
		for _, s := range statuses {
			out = append(out, LoanResponse{
				Account:                s.Account,
				Collateral:             amount(&s.Status.CollateralAmount),
				Borrowed:               amount(&s.Status.BorrowedAmount),
				MinimumCollateralRatio: ratio(s.Status.MinimumCollateralRatio),
				Valuation:              valuation(s.Status),
				AsOfSequence:           asOf,
			})
		}
		return out, nil
	}

	// Without prices, fall back to the raw loans.
	for _, rec := range qs.core.LoanRecords() {
		out = append(out, LoanResponse{
			Account:                rec.Account,
			Collateral:             amount(&rec.Loan.Collateral),
			Borrowed:               amount(&rec.Loan.Borrowed),
			MinimumCollateralRatio: ratio(rec.Loan.MinimumCollateralRatio),
			AsOfSequence:           asOf,
		})
	}
	return out, nil
}

func valuation(s state.LoanStatus) *LoanValuation {
	v := &LoanValuation{
		CollateralValuation:   amount(&s.CollateralValuation),
		BorrowedValuation:     amount(&s.BorrowedValuation),
		IsUndercollateralized: s.IsUndercollateralized,
	}
	if !s.BorrowedValuation.IsZero() {
		r := amount(&s.CollateralValuation).DivRound(amount(&s.BorrowedValuation), ratioPlaces)
		v.CollateralRatio = &r
	}
	return v
}

func (qs *QueryService) GetLender(account string) (*LenderResponse, error) {
	entry, ok := qs.core.Lender(account)
	if !ok {
		return nil, fmt.Errorf("%w: lender %s", ErrNotFound, account)
	}
	ids := entry.PendingWithdrawalRequestIDs
	if ids == nil {
		ids = []uint64{}
	}
	return &LenderResponse{
		Account:           account,
		AmountInPool:      amount(&entry.AmountInLendingPool),
		PendingRequestIDs: ids,
		AsOfSequence:      qs.asOf(),
	}, nil
}

func (qs *QueryService) GetWithdrawalQueue() (*QueueResponse, error) {
	entries, err := qs.core.WithdrawalQueue()
	if err != nil {
		return nil, err
	}
	resp := &QueueResponse{
		Entries:      make([]QueueEntry, 0, len(entries)),
		InFlight:     qs.core.WithdrawalsInFlight(),
		AsOfSequence: qs.asOf(),
	}
	if resp.InFlight == nil {
		resp.InFlight = []uint64{}
	}
	for i, e := range entries {
		resp.Entries = append(resp.Entries, QueueEntry{
			Position:  i,
			RequestID: e.RequestID,
			Account:   e.AccountID,
			Amount:    amount(&e.Amount),
		})
	}
	return resp, nil
}

func (qs *QueryService) GetQueueDepth(requestID uint64) (*QueueDepthResponse, error) {
	depth, err := qs.core.WithdrawalQueueDepth(requestID)
	if err != nil {
		return nil, err
	}
	return &QueueDepthResponse{
		RequestID:    requestID,
		AmountAhead:  amount(depth),
		AsOfSequence: qs.asOf(),
	}, nil
}

func (qs *QueryService) GetProtocolPools() *ProtocolPoolsResponse {
	fee, liquidated := qs.core.ProtocolPools()
	return &ProtocolPoolsResponse{
		FeePool:                  amount(fee),
		LiquidatedCollateralPool: amount(liquidated),
		AsOfSequence:             qs.asOf(),
	}
}

func (qs *QueryService) GetPrices() *PricesResponse {
	view := qs.core.Prices()
	pending := qs.core.PendingPriceRequests()
	if pending == nil {
		pending = []string{}
	}
	return &PricesResponse{
		Collateral:           assetPrice(view.Collateral),
		Loan:                 assetPrice(view.Loan),
		Timestamp:            view.LastTimestamp,
		RecencyDurationSec:   view.LastRecency,
		PendingPriceRequests: pending,
	}
}

func assetPrice(a oracle.AssetDescriptor) AssetPrice {
	out := AssetPrice{OracleAssetID: a.OracleAssetID, ContractRef: a.ContractRef}
	if a.LastPrice != nil {
		v := priceValue(*a.LastPrice)
		out.Multiplier = a.LastPrice.Mantissa.Dec()
		out.Decimals = a.LastPrice.Decimals
		out.Price = &v
	}
	return out
}

func (qs *QueryService) GetTransfers() *TransfersResponse {
	return &TransfersResponse{
		Pending:      transfers(qs.core.PendingTransfers()),
		Failed:       transfers(qs.core.FailedTransfers()),
		AsOfSequence: qs.asOf(),
	}
}

func transfers(in []state.TransferIntent) []TransferResponse {
	out := make([]TransferResponse, 0, len(in))
	for _, ti := range in {
		asset, _ := ledger.GetAssetName(ti.Asset)
		out = append(out, TransferResponse{
			TransferID:          ti.TransferID.String(),
			Kind:                ti.Kind.String(),
			Account:             ti.Account,
			Asset:               asset,
			Amount:              amount(&ti.Amount),
			Status:              ti.Status.String(),
			WithdrawalRequestID: ti.WithdrawalRequestID,
			EventRef:            ti.EventRef,
			CreatedSequence:     ti.CreatedSequence,
		})
	}
	return out
}

// GetStatus summarizes the core. The projection watermark is included when
// Postgres is configured and reachable.
func (qs *QueryService) GetStatus(ctx context.Context) *StatusResponse {
	hash := qs.core.GetStateHash()
	risk := qs.core.RiskParams()
	privileged := risk.PrivilegedAccounts
	if privileged == nil {
		privileged = []string{}
	}

	resp := &StatusResponse{
		NextSequence:         qs.core.GetSequence(),
		StateHash:            hex.EncodeToString(hash[:]),
		LoansOpen:            len(qs.core.LoanRecords()),
		PendingTransfers:     len(qs.core.PendingTransfers()),
		WithdrawalsInFlight:  len(qs.core.WithdrawalsInFlight()),
		PendingPriceRequests: len(qs.core.PendingPriceRequests()),
		Risk: RiskResponse{
			DepositFee:           ratio(risk.DepositFee),
			MinCollateralRatio:   ratio(risk.MinCollateralRatio),
			LowerCollateralRatio: ratio(risk.LowerCollateralRatio),
			PrivilegedAccounts:   privileged,
		},
	}
	if qs.db != nil {
		if wm, err := projection.Watermark(ctx, qs.db); err == nil {
			resp.ProjectionWatermark = &wm
		}
	}
	return resp
}

// GetJournalHistory returns journal entries touching any of an account's
// ledger accounts, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	accountPrefix := "user:" + escapeLike(account) + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 ESCAPE '\' OR credit_account LIKE $1 ESCAPE '\')
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var (
			e           JournalHistoryEntry
			amountText  string
			journalType int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &amountText,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amountText); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var (
			assetID uint16
			total   string
		)
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		imbalance, err := decimal.NewFromString(total)
		if err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: imbalance,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, balanceRows.Err()
}
