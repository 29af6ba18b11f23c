package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Price is mantissa * 10^-Decimals units of the valuation currency per unit
// of the priced asset.
type Price struct {
	Mantissa uint256.Int
	Decimals uint8
}

func NewPrice(mantissa uint64, decimals uint8) Price {
	var p Price
	p.Mantissa.SetUint64(mantissa)
	p.Decimals = decimals
	return p
}

func (p Price) String() string {
	return fmt.Sprintf("%se-%d", p.Mantissa.Dec(), p.Decimals)
}

// Valuation converts an asset amount into the canonical valuation unit:
// round_half_up(amount * mantissa / 10^decimals).
func Valuation(amount *uint256.Int, price Price) (*uint256.Int, error) {
	scale, err := Pow10(price.Decimals)
	if err != nil {
		return nil, err
	}

	v, err := MulDiv(amount, &price.Mantissa, scale, RoundHalfUp)
	if err != nil {
		return nil, fmt.Errorf("valuation of %s at %s: %w", amount.Dec(), price, err)
	}
	return v, nil
}
