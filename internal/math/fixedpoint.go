package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("math: arithmetic overflow")
	ErrDivisionByZero = errors.New("math: division by zero")
	ErrInvalidAmount  = errors.New("math: invalid amount")
)

type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // ties away from zero (default for valuations)
	RoundDown
	RoundUp
)

// MaxPow10Exponent is the largest n with 10^n < 2^256.
const MaxPow10Exponent = 77

var pow10Table [MaxPow10Exponent + 1]uint256.Int

func init() {
	pow10Table[0].SetUint64(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= MaxPow10Exponent; i++ {
		pow10Table[i].Mul(&pow10Table[i-1], ten)
	}
}

// Pow10 returns 10^n, or ErrOverflow when it does not fit in 256 bits.
func Pow10(n uint8) (*uint256.Int, error) {
	if int(n) > MaxPow10Exponent {
		return nil, fmt.Errorf("10^%d: %w", n, ErrOverflow)
	}
	return new(uint256.Int).Set(&pow10Table[n]), nil
}

// MulDiv computes x*y/d with a 512-bit intermediate and applies the rounding
// mode once on the final quotient.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	r := new(uint256.Int).MulMod(x, y, d)
	if r.IsZero() {
		return q, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfUp:
		// r >= d - r  <=>  2r >= d, without overflowing 2r
		rest := new(uint256.Int).Sub(d, r)
		roundUp = r.Cmp(rest) >= 0
	}

	if roundUp {
		if _, carry := q.AddOverflow(q, uint256.NewInt(1)); carry {
			return nil, ErrOverflow
		}
	}

	return q, nil
}

// Big integer pool for exact cross-multiplication comparisons
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulCmp compares a*b with c*d exactly. Returns -1, 0 or +1.
func MulCmp(a, b, c, d *uint256.Int) int {
	left := getBig()
	right := getBig()
	tmp := getBig()
	defer func() {
		putBig(left)
		putBig(right)
		putBig(tmp)
	}()

	left.SetBytes(a.Bytes())
	tmp.SetBytes(b.Bytes())
	left.Mul(left, tmp)

	right.SetBytes(c.Bytes())
	tmp.SetBytes(d.Bytes())
	right.Mul(right, tmp)

	return left.Cmp(right)
}

// ParseAmount parses a base-10 unsigned integer string into a uint256.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return v, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// SaturatingSub returns x-y, or zero when y > x.
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	if y.Cmp(x) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// CheckedAdd returns x+y or ErrOverflow.
func CheckedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}
