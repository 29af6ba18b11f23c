package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralDeposit JournalType = iota
	JournalTypeDepositFee
	JournalTypeCollateralReserve
	JournalTypeCollateralReturn
	JournalTypeCollateralRestore
	JournalTypeLoanDisburse
	JournalTypeLoanDisburseConfirm
	JournalTypeLoanDisburseRevert
	JournalTypeRepayment
	JournalTypeRefundReserve
	JournalTypeRefundConfirm
	JournalTypeLiquidationSeize
	JournalTypeLendDeposit
	JournalTypePoolWithdrawal
)

var journalTypeNames = map[JournalType]string{
	JournalTypeCollateralDeposit:   "collateral_deposit",
	JournalTypeDepositFee:          "deposit_fee",
	JournalTypeCollateralReserve:   "collateral_reserve",
	JournalTypeCollateralReturn:    "collateral_return",
	JournalTypeCollateralRestore:   "collateral_restore",
	JournalTypeLoanDisburse:        "loan_disburse",
	JournalTypeLoanDisburseConfirm: "loan_disburse_confirm",
	JournalTypeLoanDisburseRevert:  "loan_disburse_revert",
	JournalTypeRepayment:           "repayment",
	JournalTypeRefundReserve:       "refund_reserve",
	JournalTypeRefundConfirm:       "refund_confirm",
	JournalTypeLiquidationSeize:    "liquidation_seize",
	JournalTypeLendDeposit:         "lend_deposit",
	JournalTypePoolWithdrawal:      "pool_withdrawal",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic, derived from batch id and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        uint256.Int // Minor units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from the credit account to the
// debit account, so every entry balances by construction and so does the batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
