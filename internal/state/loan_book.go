package state

import (
	"fmt"
	"sort"

	fpmath "GratisLedger/internal/math"

	"github.com/holiman/uint256"
)

// LoanBook manages per-account loans. Every operation validates fully before
// it mutates, so a returned error always means no state changed.
type LoanBook struct {
	loans map[string]*Loan
	risk  *RiskParamsManager
	pools *ProtocolPools
}

func NewLoanBook(risk *RiskParamsManager, pools *ProtocolPools) *LoanBook {
	return &LoanBook{
		loans: make(map[string]*Loan),
		risk:  risk,
		pools: pools,
	}
}

// DepositResult describes how a deposit was split
type DepositResult struct {
	Net     *uint256.Int
	Fee     *uint256.Int
	Created bool
}

// ClosedLoan is what a close hands back for the outbound transfer
type ClosedLoan struct {
	Collateral *uint256.Int
	Ratio      fpmath.Fraction
}

// AccountLoanStatus pairs an account with its derived status
type AccountLoanStatus struct {
	Account string
	Status  LoanStatus
}

// GetLoan returns a copy of the account's loan
func (lb *LoanBook) GetLoan(account string) (Loan, bool) {
	l, ok := lb.loans[account]
	if !ok {
		return Loan{}, false
	}
	return *l.clone(), true
}

func (lb *LoanBook) Len() int { return len(lb.loans) }

func (lb *LoanBook) Pools() *ProtocolPools { return lb.pools }

// Accounts returns loan holders in lexical order
func (lb *LoanBook) Accounts() []string {
	accounts := make([]string, 0, len(lb.loans))
	for a := range lb.loans {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts
}

// Deposit adds net collateral and books the fee. Creates the loan on first deposit.
func (lb *LoanBook) Deposit(account string, amount *uint256.Int) (DepositResult, error) {
	net, fee, err := fpmath.ApplyFee(amount, lb.risk.DepositFee())
	if err != nil {
		return DepositResult{}, err
	}

	loan, exists := lb.loans[account]
	current := new(uint256.Int)
	if exists {
		current = &loan.Collateral
	}
	newCollateral, err := fpmath.CheckedAdd(current, net)
	if err != nil {
		return DepositResult{}, fmt.Errorf("collateral for %s: %w", account, err)
	}
	newFeePool, err := lb.pools.addFee(fee)
	if err != nil {
		return DepositResult{}, fmt.Errorf("fee pool: %w", err)
	}

	if !exists {
		loan = &Loan{MinimumCollateralRatio: lb.risk.RatioFor(account)}
		lb.loans[account] = loan
	}
	loan.Collateral.Set(newCollateral)
	lb.pools.FeePool.Set(newFeePool)

	return DepositResult{Net: net, Fee: fee, Created: !exists}, nil
}

// RemoveCollateral releases collateral if the remaining position stays healthy.
// The caller transfers amount back to the account.
func (lb *LoanBook) RemoveCollateral(account string, amount *uint256.Int, v Valuer) error {
	loan, ok := lb.loans[account]
	if !ok {
		return ErrLoanNotFound
	}
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if amount.Gt(&loan.Collateral) {
		return fmt.Errorf("%w: have=%s, want=%s", ErrInsufficientCollateral, loan.Collateral.Dec(), amount.Dec())
	}

	remaining := new(uint256.Int).Sub(&loan.Collateral, amount)
	status, err := computeStatus(remaining, &loan.Borrowed, loan.MinimumCollateralRatio, v)
	if err != nil {
		return err
	}
	if status.IsUndercollateralized {
		return ErrUndercollateralized
	}

	loan.Collateral.Set(remaining)
	return nil
}

// Borrow increments debt optimistically. The disbursement transfer may still
// fail, in which case RollbackBorrow undoes it.
func (lb *LoanBook) Borrow(account string, amount *uint256.Int, v Valuer) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	loan, ok := lb.loans[account]
	if !ok {
		return ErrLoanNotFound
	}

	status, err := loan.Status(v)
	if err != nil {
		return err
	}
	headroom, err := status.BorrowHeadroom()
	if err != nil {
		return err
	}
	wanted, err := v.LoanValuation(amount)
	if err != nil {
		return fmt.Errorf("borrow valuation: %w", err)
	}
	if wanted.Gt(headroom) {
		return fmt.Errorf("%w: headroom=%s, requested=%s", ErrInsufficientCollateral, headroom.Dec(), wanted.Dec())
	}

	newBorrowed, err := fpmath.CheckedAdd(&loan.Borrowed, amount)
	if err != nil {
		return fmt.Errorf("borrowed for %s: %w", account, err)
	}
	loan.Borrowed.Set(newBorrowed)
	return nil
}

// Repay reduces debt by min(amount, borrowed). Collateral is untouched.
func (lb *LoanBook) Repay(account string, amount *uint256.Int) (repaid, excess *uint256.Int, err error) {
	if amount.IsZero() {
		return nil, nil, ErrInvalidAmount
	}
	loan, ok := lb.loans[account]
	if !ok {
		return nil, nil, ErrLoanNotFound
	}

	repaid = new(uint256.Int).Set(amount)
	if repaid.Gt(&loan.Borrowed) {
		repaid.Set(&loan.Borrowed)
	}
	excess = new(uint256.Int).Sub(amount, repaid)
	loan.Borrowed.Sub(&loan.Borrowed, repaid)
	return repaid, excess, nil
}

// CanRepayAndClose reports whether repaying amount would leave the loan
// closable. Nothing is mutated.
func (lb *LoanBook) CanRepayAndClose(account string, amount *uint256.Int) error {
	loan, ok := lb.loans[account]
	if !ok {
		return ErrLoanNotFound
	}
	if amount.Lt(&loan.Borrowed) {
		return fmt.Errorf("%w: borrowed=%s, repaying=%s", ErrOutstandingDebt, loan.Borrowed.Dec(), amount.Dec())
	}
	return nil
}

// Close removes a debt-free loan and returns the collateral to send back.
func (lb *LoanBook) Close(account string) (ClosedLoan, error) {
	loan, ok := lb.loans[account]
	if !ok {
		return ClosedLoan{}, ErrLoanNotFound
	}
	if !loan.Borrowed.IsZero() {
		return ClosedLoan{}, fmt.Errorf("%w: borrowed=%s", ErrOutstandingDebt, loan.Borrowed.Dec())
	}

	delete(lb.loans, account)
	return ClosedLoan{
		Collateral: new(uint256.Int).Set(&loan.Collateral),
		Ratio:      loan.MinimumCollateralRatio,
	}, nil
}

// Liquidate seizes collateral into the liquidated-collateral pool and returns
// the seized amount. Debt is left unchanged.
func (lb *LoanBook) Liquidate(target string, isSelf bool, v Valuer) (*uint256.Int, error) {
	loan, ok := lb.loans[target]
	if !ok {
		return nil, ErrLoanNotFound
	}
	if loan.Borrowed.IsZero() {
		return nil, ErrNothingToLiquidate
	}

	status, err := loan.Status(v)
	if err != nil {
		return nil, err
	}
	if !isSelf && !status.IsUndercollateralized {
		return nil, ErrNotUndercollateralized
	}

	seized := new(uint256.Int).Set(&loan.Collateral)
	if !status.CollateralValuation.IsZero() && !status.CollateralValuation.Lt(&status.BorrowedValuation) {
		// ceil(collateral * borrowed_val / coll_val) <= collateral since borrowed_val <= coll_val
		seized, err = fpmath.MulDiv(&loan.Collateral, &status.BorrowedValuation, &status.CollateralValuation, fpmath.RoundUp)
		if err != nil {
			return nil, fmt.Errorf("liquidation amount: %w", err)
		}
	}

	newPool, err := lb.pools.addLiquidated(seized)
	if err != nil {
		return nil, fmt.Errorf("liquidated pool: %w", err)
	}
	loan.Collateral.Sub(&loan.Collateral, seized)
	lb.pools.LiquidatedCollateralPool.Set(newPool)
	return seized, nil
}

// Status returns the derived status of one loan
func (lb *LoanBook) Status(account string, v Valuer) (LoanStatus, error) {
	loan, ok := lb.loans[account]
	if !ok {
		return LoanStatus{}, ErrLoanNotFound
	}
	return loan.Status(v)
}

// Statuses returns every loan's status ordered by account
func (lb *LoanBook) Statuses(v Valuer) ([]AccountLoanStatus, error) {
	out := make([]AccountLoanStatus, 0, len(lb.loans))
	for _, account := range lb.Accounts() {
		s, err := lb.loans[account].Status(v)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", account, err)
		}
		out = append(out, AccountLoanStatus{Account: account, Status: s})
	}
	return out, nil
}

// === Compensation (failed transfers) ===

// RollbackBorrow undoes an optimistic borrow after a failed disbursement.
// Saturates if the debt was repaid in the meantime and returns what was
// actually removed.
func (lb *LoanBook) RollbackBorrow(account string, amount *uint256.Int) *uint256.Int {
	loan, ok := lb.loans[account]
	if !ok {
		return new(uint256.Int)
	}
	removed := new(uint256.Int).Set(amount)
	if removed.Gt(&loan.Borrowed) {
		removed.Set(&loan.Borrowed)
	}
	loan.Borrowed.Sub(&loan.Borrowed, removed)
	return removed
}

// RestoreCollateral puts back collateral after a failed return transfer,
// reopening the loan with its original ratio if it was closed.
func (lb *LoanBook) RestoreCollateral(account string, amount *uint256.Int, ratio fpmath.Fraction) error {
	loan, ok := lb.loans[account]
	current := new(uint256.Int)
	if ok {
		current = &loan.Collateral
	}
	restored, err := fpmath.CheckedAdd(current, amount)
	if err != nil {
		return fmt.Errorf("restore collateral for %s: %w", account, err)
	}
	if !ok {
		loan = &Loan{MinimumCollateralRatio: ratio}
		lb.loans[account] = loan
	}
	loan.Collateral.Set(restored)
	return nil
}

// === Snapshot ===

// LoanRecord is the persisted form of one loan
type LoanRecord struct {
	Account string
	Loan    Loan
}

func (lb *LoanBook) Records() []LoanRecord {
	out := make([]LoanRecord, 0, len(lb.loans))
	for _, account := range lb.Accounts() {
		out = append(out, LoanRecord{Account: account, Loan: *lb.loans[account].clone()})
	}
	return out
}

// Restore replaces all loans. Used only by snapshot restore.
func (lb *LoanBook) Restore(records []LoanRecord) {
	lb.loans = make(map[string]*Loan, len(records))
	for i := range records {
		lb.loans[records[i].Account] = records[i].Loan.clone()
	}
}
