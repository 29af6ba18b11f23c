// Package oracle caches the latest oracle prices for the two tracked assets
// and talks to the oracle service over NATS.
package oracle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	fpmath "GratisLedger/internal/math"
)

var (
	ErrPriceUnavailable  = errors.New("oracle: price unavailable")
	ErrInvalidOracleData = errors.New("oracle: invalid oracle data")
	ErrStaleSnapshot     = errors.New("oracle: stale price snapshot")
)

// AssetDescriptor identifies one tracked asset. ContractRef is empty for the
// native asset.
type AssetDescriptor struct {
	ContractRef   string        `json:"contract_ref,omitempty"`
	OracleAssetID string        `json:"oracle_asset_id"`
	LastPrice     *fpmath.Price `json:"-"`
}

// Symbol is the asset name used on transfer subjects: the contract when
// present, the oracle id otherwise.
func (a AssetDescriptor) Symbol() string {
	if a.ContractRef != "" {
		return a.ContractRef
	}
	return a.OracleAssetID
}

// PriceCache holds the collateral and loan descriptors. It is owned by the
// core and never shared.
type PriceCache struct {
	collateral    AssetDescriptor
	loan          AssetDescriptor
	lastTimestamp uint64
	lastRecency   uint32
}

func NewPriceCache(collateral, loan AssetDescriptor) *PriceCache {
	collateral.LastPrice = nil
	loan.LastPrice = nil
	return &PriceCache{
		collateral: collateral,
		loan:       loan,
	}
}

// RequestAssetIDs lists the tracked assets in the order the oracle must echo:
// collateral first, then loan.
func (pc *PriceCache) RequestAssetIDs() []string {
	return []string{pc.collateral.OracleAssetID, pc.loan.OracleAssetID}
}

func (pc *PriceCache) Collateral() AssetDescriptor { return pc.collateral }
func (pc *PriceCache) Loan() AssetDescriptor       { return pc.loan }
func (pc *PriceCache) LastTimestamp() uint64       { return pc.lastTimestamp }
func (pc *PriceCache) LastRecency() uint32         { return pc.lastRecency }

// Validate checks the response names exactly the tracked assets in order.
func (pc *PriceCache) Validate(data *PriceData) error {
	expected := pc.RequestAssetIDs()
	if data == nil || len(data.Prices) != len(expected) {
		return fmt.Errorf("%w: expected %d prices", ErrInvalidOracleData, len(expected))
	}
	for i, id := range expected {
		if data.Prices[i].AssetID != id {
			return fmt.Errorf("%w: position %d is %q, expected %q",
				ErrInvalidOracleData, i, data.Prices[i].AssetID, id)
		}
	}
	return nil
}

// Apply validates data and replaces the last price of every asset whose
// price is present. Absent prices leave the previous value in place.
func (pc *PriceCache) Apply(data *PriceData) error {
	if err := pc.Validate(data); err != nil {
		return err
	}

	if p := data.Prices[0].Price; p != nil {
		cp := *p
		pc.collateral.LastPrice = &cp
	}
	if p := data.Prices[1].Price; p != nil {
		cp := *p
		pc.loan.LastPrice = &cp
	}
	pc.lastTimestamp = data.Timestamp
	pc.lastRecency = data.RecencyDurationSec
	return nil
}

// Restore reinstates cached prices from a snapshot.
func (pc *PriceCache) Restore(collateral, loan *fpmath.Price, timestamp uint64, recency uint32) {
	pc.collateral.LastPrice = collateral
	pc.loan.LastPrice = loan
	pc.lastTimestamp = timestamp
	pc.lastRecency = recency
}

func (pc *PriceCache) CollateralPrice() (fpmath.Price, error) {
	if pc.collateral.LastPrice == nil {
		return fpmath.Price{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, pc.collateral.OracleAssetID)
	}
	return *pc.collateral.LastPrice, nil
}

func (pc *PriceCache) LoanPrice() (fpmath.Price, error) {
	if pc.loan.LastPrice == nil {
		return fpmath.Price{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, pc.loan.OracleAssetID)
	}
	return *pc.loan.LastPrice, nil
}

// CollateralValuation values an amount of the collateral asset.
func (pc *PriceCache) CollateralValuation(amount *uint256.Int) (*uint256.Int, error) {
	price, err := pc.CollateralPrice()
	if err != nil {
		return nil, err
	}
	return fpmath.Valuation(amount, price)
}

// LoanValuation values an amount of the loan asset.
func (pc *PriceCache) LoanValuation(amount *uint256.Int) (*uint256.Int, error) {
	price, err := pc.LoanPrice()
	if err != nil {
		return nil, err
	}
	return fpmath.Valuation(amount, price)
}
