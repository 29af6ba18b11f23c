package state

import (
	"fmt"

	fpmath "GratisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Valuer converts asset amounts into the common valuation unit.
// *oracle.PriceCache satisfies it.
type Valuer interface {
	CollateralValuation(amount *uint256.Int) (*uint256.Int, error)
	LoanValuation(amount *uint256.Int) (*uint256.Int, error)
}

// Loan is one account's collateralized position
type Loan struct {
	Collateral             uint256.Int     // collateral-asset minor units
	Borrowed               uint256.Int     // loan-asset minor units
	MinimumCollateralRatio fpmath.Fraction // fixed at creation
}

// LoanStatus is derived from a Loan and the current prices. Never stored.
type LoanStatus struct {
	BorrowedAmount         uint256.Int
	BorrowedValuation      uint256.Int
	CollateralAmount       uint256.Int
	CollateralValuation    uint256.Int
	MinimumCollateralRatio fpmath.Fraction
	IsUndercollateralized  bool
}

// computeStatus values a (possibly hypothetical) position.
//
// A position with debt is undercollateralized when
// collateral_valuation * den <= borrowed_valuation * num.
// Equality counts as undercollateralized.
func computeStatus(collateral, borrowed *uint256.Int, ratio fpmath.Fraction, v Valuer) (LoanStatus, error) {
	collVal, err := v.CollateralValuation(collateral)
	if err != nil {
		return LoanStatus{}, fmt.Errorf("collateral valuation: %w", err)
	}
	borrowedVal, err := v.LoanValuation(borrowed)
	if err != nil {
		return LoanStatus{}, fmt.Errorf("borrowed valuation: %w", err)
	}

	s := LoanStatus{MinimumCollateralRatio: ratio}
	s.BorrowedAmount.Set(borrowed)
	s.BorrowedValuation.Set(borrowedVal)
	s.CollateralAmount.Set(collateral)
	s.CollateralValuation.Set(collVal)
	if !borrowed.IsZero() {
		s.IsUndercollateralized = fpmath.MulCmp(collVal, ratio.DenInt(), borrowedVal, ratio.NumInt()) <= 0
	}
	return s, nil
}

// Status values the loan at current prices
func (l *Loan) Status(v Valuer) (LoanStatus, error) {
	return computeStatus(&l.Collateral, &l.Borrowed, l.MinimumCollateralRatio, v)
}

// BorrowHeadroom returns how much more valuation may be borrowed:
// max(0, coll_val*100/ratio_percentage - borrowed_val).
func (s LoanStatus) BorrowHeadroom() (*uint256.Int, error) {
	pct := s.MinimumCollateralRatio.Percentage()
	if pct == 0 {
		return nil, fpmath.ErrDivisionByZero
	}
	limit, err := fpmath.MulDiv(&s.CollateralValuation, uint256.NewInt(100), uint256.NewInt(pct), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.SaturatingSub(limit, &s.BorrowedValuation), nil
}

func (l *Loan) clone() *Loan {
	c := &Loan{MinimumCollateralRatio: l.MinimumCollateralRatio}
	c.Collateral.Set(&l.Collateral)
	c.Borrowed.Set(&l.Borrowed)
	return c
}
