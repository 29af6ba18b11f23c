package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidFeeConfig     = errors.New("math: invalid fee configuration")
	ErrNetAmountNotPositive = errors.New("math: net amount after fee must be positive")
)

// Fraction is Num/Den. Collateral ratios are stored as fractions of one
// (120% = 120/100).
type Fraction struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

var (
	MinCollateralRatio   = Fraction{Num: 120, Den: 100}
	LowerCollateralRatio = Fraction{Num: 105, Den: 100}
	DefaultDepositFee    = Fraction{Num: 1, Den: 200} // 0.5%
)

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Percentage returns the fraction as an integer percentage (120/100 -> 120).
func (f Fraction) Percentage() uint64 {
	if f.Den == 0 {
		return 0
	}
	return f.Num * 100 / f.Den
}

func (f Fraction) NumInt() *uint256.Int { return uint256.NewInt(f.Num) }
func (f Fraction) DenInt() *uint256.Int { return uint256.NewInt(f.Den) }

// ValidateFee checks a fee fraction is usable: Den > 0 and Num < Den.
func (f Fraction) ValidateFee() error {
	if f.Den == 0 || f.Num >= f.Den {
		return fmt.Errorf("%w: %s", ErrInvalidFeeConfig, f)
	}
	return nil
}

// ApplyFee splits amount into (net, fee) with fee = ceil(amount*num/den),
// so the protocol never under-collects. A non-positive net is an error.
func ApplyFee(amount *uint256.Int, fee Fraction) (net, feeAmount *uint256.Int, err error) {
	if err := fee.ValidateFee(); err != nil {
		return nil, nil, err
	}

	feeAmount, err = MulDiv(amount, fee.NumInt(), fee.DenInt(), RoundUp)
	if err != nil {
		return nil, nil, err
	}

	if feeAmount.Cmp(amount) >= 0 {
		return nil, nil, fmt.Errorf("%w: amount=%s fee=%s", ErrNetAmountNotPositive, amount.Dec(), feeAmount.Dec())
	}

	net = new(uint256.Int).Sub(amount, feeAmount)
	return net, feeAmount, nil
}
