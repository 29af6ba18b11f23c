package state

import (
	fpmath "GratisLedger/internal/math"

	"github.com/holiman/uint256"
)

// ProtocolPools tracks protocol-owned collateral. The authoritative balances
// live in the ledger (system:fees, system:liquidated_collateral); these
// counters mirror them for queries and are checked against the ledger after
// every event.
type ProtocolPools struct {
	FeePool                  uint256.Int
	LiquidatedCollateralPool uint256.Int
}

func NewProtocolPools() *ProtocolPools {
	return &ProtocolPools{}
}

// addFee and addLiquidated return the new total without mutating; callers
// commit with Set once every other check has passed.
func (p *ProtocolPools) addFee(amount *uint256.Int) (*uint256.Int, error) {
	return fpmath.CheckedAdd(&p.FeePool, amount)
}

func (p *ProtocolPools) addLiquidated(amount *uint256.Int) (*uint256.Int, error) {
	return fpmath.CheckedAdd(&p.LiquidatedCollateralPool, amount)
}

// Restore overwrites both pools. Used only by snapshot restore.
func (p *ProtocolPools) Restore(fee, liquidated *uint256.Int) {
	p.FeePool.Set(fee)
	p.LiquidatedCollateralPool.Set(liquidated)
}
