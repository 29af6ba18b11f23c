package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// batchNamespace seeds deterministic batch and journal ids so a replayed
// event produces byte-identical journals.
var batchNamespace = uuid.MustParse("6b1f7c2e-3d4a-5e8b-9c0d-1a2b3c4d5e6f")

func batchID(eventRef string, sequence int64) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%s:%d", eventRef, sequence)))
}

func journalID(batch uuid.UUID, leg int) uuid.UUID {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(leg))
	return uuid.NewSHA1(batch, idx[:])
}

// JournalGenerator creates balanced journal batches for loan and pool operations
type JournalGenerator struct {
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// NewBatch opens an empty batch for one event. State-only events keep it empty.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   batchID(eventRef, sequence),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

func (jg *JournalGenerator) post(b *Batch, debit, credit AccountKey, amount *uint256.Int, jt JournalType) {
	if amount == nil || amount.IsZero() {
		return
	}
	j := Journal{
		JournalID:     journalID(b.BatchID, len(b.Journals)),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	}
	j.Amount.Set(amount)
	b.Journals = append(b.Journals, j)
}

// CollateralDeposit books a deposit: net to the user's collateral, fee to the fee pool.
// Moves funds: external:inbound → user:collateral, external:inbound → system:fees
func (jg *JournalGenerator) CollateralDeposit(b *Batch, owner string, net, fee *uint256.Int) {
	inbound := NewExternalAccountKey(SubTypeExternalInbound, AssetCollateral)
	jg.post(b, NewUserAccountKey(owner, SubTypeCollateral, AssetCollateral), inbound, net, JournalTypeCollateralDeposit)
	jg.post(b, NewSystemAccountKey(SubTypeSystemFees, AssetCollateral), inbound, fee, JournalTypeDepositFee)
}

// CollateralReserve locks collateral for an outbound return.
// Pre-check: the user's collateral account must cover amount.
func (jg *JournalGenerator) CollateralReserve(b *Batch, owner string, amount *uint256.Int) error {
	collateral := NewUserAccountKey(owner, SubTypeCollateral, AssetCollateral)
	if err := jg.balanceTracker.ValidateSufficient(collateral, amount.ToBig()); err != nil {
		return fmt.Errorf("collateral reserve pre-check failed: %w", err)
	}
	jg.post(b, NewUserAccountKey(owner, SubTypePendingTransfer, AssetCollateral), collateral, amount, JournalTypeCollateralReserve)
	return nil
}

// CollateralReturn finalizes a confirmed collateral transfer.
// Moves funds: user:pending_transfer → external:outbound
func (jg *JournalGenerator) CollateralReturn(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewExternalAccountKey(SubTypeExternalOutbound, AssetCollateral),
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetCollateral),
		amount, JournalTypeCollateralReturn)
}

// CollateralRestore reverses a failed collateral transfer.
// Moves funds: user:pending_transfer → user:collateral
func (jg *JournalGenerator) CollateralRestore(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewUserAccountKey(owner, SubTypeCollateral, AssetCollateral),
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetCollateral),
		amount, JournalTypeCollateralRestore)
}

// LoanDisburse reserves borrowed funds for an outbound transfer.
// Moves funds: system:treasury → user:pending_transfer
func (jg *JournalGenerator) LoanDisburse(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetLoan),
		NewSystemAccountKey(SubTypeSystemTreasury, AssetLoan),
		amount, JournalTypeLoanDisburse)
}

// LoanDisburseConfirm finalizes a confirmed borrow transfer.
func (jg *JournalGenerator) LoanDisburseConfirm(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewExternalAccountKey(SubTypeExternalOutbound, AssetLoan),
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetLoan),
		amount, JournalTypeLoanDisburseConfirm)
}

// LoanDisburseRevert returns reserved funds to the treasury after a failed borrow transfer.
func (jg *JournalGenerator) LoanDisburseRevert(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewSystemAccountKey(SubTypeSystemTreasury, AssetLoan),
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetLoan),
		amount, JournalTypeLoanDisburseRevert)
}

// Repayment books repaid debt.
// Moves funds: external:inbound → system:treasury
func (jg *JournalGenerator) Repayment(b *Batch, amount *uint256.Int) {
	jg.post(b,
		NewSystemAccountKey(SubTypeSystemTreasury, AssetLoan),
		NewExternalAccountKey(SubTypeExternalInbound, AssetLoan),
		amount, JournalTypeRepayment)
}

// RefundReserve holds excess inbound funds for a refund transfer.
func (jg *JournalGenerator) RefundReserve(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetLoan),
		NewExternalAccountKey(SubTypeExternalInbound, AssetLoan),
		amount, JournalTypeRefundReserve)
}

// RefundConfirm finalizes a confirmed refund.
func (jg *JournalGenerator) RefundConfirm(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewExternalAccountKey(SubTypeExternalOutbound, AssetLoan),
		NewUserAccountKey(owner, SubTypePendingTransfer, AssetLoan),
		amount, JournalTypeRefundConfirm)
}

// LiquidationSeize moves seized collateral into the liquidated-collateral pool.
// Pre-check: the user's collateral account must cover amount.
func (jg *JournalGenerator) LiquidationSeize(b *Batch, owner string, amount *uint256.Int) error {
	collateral := NewUserAccountKey(owner, SubTypeCollateral, AssetCollateral)
	if err := jg.balanceTracker.ValidateSufficient(collateral, amount.ToBig()); err != nil {
		return fmt.Errorf("liquidation pre-check failed: %w", err)
	}
	jg.post(b, NewSystemAccountKey(SubTypeSystemLiquidatedCollateral, AssetCollateral), collateral, amount, JournalTypeLiquidationSeize)
	return nil
}

// LendDeposit books a lender's contribution.
// Moves funds: external:inbound → user:lending_pool
func (jg *JournalGenerator) LendDeposit(b *Batch, owner string, amount *uint256.Int) {
	jg.post(b,
		NewUserAccountKey(owner, SubTypeLendingPool, AssetLoan),
		NewExternalAccountKey(SubTypeExternalInbound, AssetLoan),
		amount, JournalTypeLendDeposit)
}

// PoolWithdrawal pays out a confirmed withdrawal. fromPool is what the lender's
// pool balance covered; shortfall is drawn from the treasury.
func (jg *JournalGenerator) PoolWithdrawal(b *Batch, owner string, fromPool, shortfall *uint256.Int) {
	outbound := NewExternalAccountKey(SubTypeExternalOutbound, AssetLoan)
	jg.post(b, outbound, NewUserAccountKey(owner, SubTypeLendingPool, AssetLoan), fromPool, JournalTypePoolWithdrawal)
	jg.post(b, outbound, NewSystemAccountKey(SubTypeSystemTreasury, AssetLoan), shortfall, JournalTypePoolWithdrawal)
}
