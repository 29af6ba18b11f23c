package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserCollateralNonNegative checks user collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(owner string) error {
	return v.tracker.ValidateNonNegative(NewUserAccountKey(owner, SubTypeCollateral, AssetCollateral))
}

// ValidateUserPendingNonNegative checks reserved outbound funds >= 0 for both assets
func (v *InvariantValidator) ValidateUserPendingNonNegative(owner string) error {
	for _, asset := range []AssetID{AssetCollateral, AssetLoan} {
		if err := v.tracker.ValidateNonNegative(NewUserAccountKey(owner, SubTypePendingTransfer, asset)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCollateralMatches checks the ledger agrees with the loan book
func (v *InvariantValidator) ValidateCollateralMatches(owner string, expected *big.Int) error {
	actual := v.tracker.GetUserCollateral(owner)
	if actual.Cmp(expected) != 0 {
		return fmt.Errorf("collateral for %s diverged: ledger=%s loan=%s", owner, actual, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
