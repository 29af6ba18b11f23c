package query

import "github.com/shopspring/decimal"

// Amounts are rendered as decimal strings in minor units. Price values are
// rendered scaled by their decimals.

// LoanResponse is one loan with its valuation at current prices.
type LoanResponse struct {
	Account                string          `json:"account"`
	Collateral             decimal.Decimal `json:"collateral"`
	Borrowed               decimal.Decimal `json:"borrowed"`
	MinimumCollateralRatio decimal.Decimal `json:"minimum_collateral_ratio"`
	Valuation              *LoanValuation  `json:"valuation,omitempty"` // nil while prices are unavailable
	AsOfSequence           int64           `json:"as_of_sequence"`
}

type LoanValuation struct {
	CollateralValuation   decimal.Decimal  `json:"collateral_valuation"`
	BorrowedValuation     decimal.Decimal  `json:"borrowed_valuation"`
	CollateralRatio       *decimal.Decimal `json:"collateral_ratio,omitempty"` // nil without debt
	IsUndercollateralized bool             `json:"is_undercollateralized"`
}

type LenderResponse struct {
	Account           string          `json:"account"`
	AmountInPool      decimal.Decimal `json:"amount_in_pool"`
	PendingRequestIDs []uint64        `json:"pending_request_ids"`
	AsOfSequence      int64           `json:"as_of_sequence"`
}

type QueueEntry struct {
	Position  int             `json:"position"`
	RequestID uint64          `json:"request_id"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
}

type QueueResponse struct {
	Entries      []QueueEntry `json:"entries"`
	InFlight     []uint64     `json:"in_flight"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// QueueDepthResponse is the total requested ahead of a request
type QueueDepthResponse struct {
	RequestID    uint64          `json:"request_id"`
	AmountAhead  decimal.Decimal `json:"amount_ahead"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

type ProtocolPoolsResponse struct {
	FeePool                  decimal.Decimal `json:"fee_pool"`
	LiquidatedCollateralPool decimal.Decimal `json:"liquidated_collateral_pool"`
	AsOfSequence             int64           `json:"as_of_sequence"`
}

type AssetPrice struct {
	OracleAssetID string           `json:"oracle_asset_id"`
	ContractRef   string           `json:"contract_ref,omitempty"`
	Multiplier    string           `json:"multiplier,omitempty"`
	Decimals      uint8            `json:"decimals,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"` // nil until the first update
}

type PricesResponse struct {
	Collateral           AssetPrice `json:"collateral"`
	Loan                 AssetPrice `json:"loan"`
	Timestamp            uint64     `json:"timestamp"`
	RecencyDurationSec   uint32     `json:"recency_duration_sec"`
	PendingPriceRequests []string   `json:"pending_price_requests"`
}

type TransferResponse struct {
	TransferID          string          `json:"transfer_id"`
	Kind                string          `json:"kind"`
	Account             string          `json:"account"`
	Asset               string          `json:"asset"`
	Amount              decimal.Decimal `json:"amount"`
	Status              string          `json:"status"`
	WithdrawalRequestID *uint64         `json:"withdrawal_request_id,omitempty"`
	EventRef            string          `json:"event_ref"`
	CreatedSequence     int64           `json:"created_sequence"`
}

type TransfersResponse struct {
	Pending      []TransferResponse `json:"pending"`
	Failed       []TransferResponse `json:"failed"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// AccountBalance is one ledger account of a user
type AccountBalance struct {
	AccountPath string          `json:"account_path"`
	Asset       string          `json:"asset"`
	Balance     decimal.Decimal `json:"balance"`
}

type BalancesResponse struct {
	Account      string           `json:"account"`
	Balances     []AccountBalance `json:"balances"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	AssetID       uint16          `json:"asset_id"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

type RiskResponse struct {
	DepositFee           decimal.Decimal `json:"deposit_fee"`
	MinCollateralRatio   decimal.Decimal `json:"min_collateral_ratio"`
	LowerCollateralRatio decimal.Decimal `json:"lower_collateral_ratio"`
	PrivilegedAccounts   []string        `json:"privileged_accounts"`
}

type StatusResponse struct {
	NextSequence         int64        `json:"next_sequence"`
	StateHash            string       `json:"state_hash"`
	ProjectionWatermark  *int64       `json:"projection_watermark,omitempty"`
	LoansOpen            int          `json:"loans_open"`
	PendingTransfers     int          `json:"pending_transfers"`
	WithdrawalsInFlight  int          `json:"withdrawals_in_flight"`
	PendingPriceRequests int          `json:"pending_price_requests"`
	Risk                 RiskResponse `json:"risk"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16          `json:"asset_id"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
