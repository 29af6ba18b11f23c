package state

import (
	"fmt"
	"sort"

	fpmath "GratisLedger/internal/math"
)

// RiskParams defines the loan book's fee and collateralization rules
type RiskParams struct {
	DepositFee           fpmath.Fraction // taken from every collateral deposit
	MinCollateralRatio   fpmath.Fraction // default for new loans
	LowerCollateralRatio fpmath.Fraction // for privileged accounts
	PrivilegedAccounts   []string
}

// DefaultRiskParams returns the MVP parameters: 0.5% fee, 120% / 105% ratios.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		DepositFee:           fpmath.DefaultDepositFee,
		MinCollateralRatio:   fpmath.MinCollateralRatio,
		LowerCollateralRatio: fpmath.LowerCollateralRatio,
	}
}

// ValidateRiskParams checks that the parameters are usable.
// fee: den > 0, num < den. ratios: den > 0, num >= den.
func ValidateRiskParams(p RiskParams) error {
	if err := p.DepositFee.ValidateFee(); err != nil {
		return err
	}
	for _, r := range []fpmath.Fraction{p.MinCollateralRatio, p.LowerCollateralRatio} {
		if r.Den == 0 || r.Num < r.Den {
			return fmt.Errorf("collateral ratio %s must be >= 1", r)
		}
	}
	return nil
}

// RiskParamsManager resolves the ratio a new loan is opened with
type RiskParamsManager struct {
	params     RiskParams
	privileged map[string]struct{}
}

func NewRiskParamsManager(params RiskParams) (*RiskParamsManager, error) {
	if err := ValidateRiskParams(params); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}
	privileged := make(map[string]struct{}, len(params.PrivilegedAccounts))
	for _, a := range params.PrivilegedAccounts {
		privileged[a] = struct{}{}
	}
	return &RiskParamsManager{params: params, privileged: privileged}, nil
}

func (rpm *RiskParamsManager) DepositFee() fpmath.Fraction { return rpm.params.DepositFee }

func (rpm *RiskParamsManager) IsPrivileged(account string) bool {
	_, ok := rpm.privileged[account]
	return ok
}

// RatioFor returns the minimum collateral ratio fixed at loan creation
func (rpm *RiskParamsManager) RatioFor(account string) fpmath.Fraction {
	if rpm.IsPrivileged(account) {
		return rpm.params.LowerCollateralRatio
	}
	return rpm.params.MinCollateralRatio
}

// Params returns a copy with the privileged list sorted.
func (rpm *RiskParamsManager) Params() RiskParams {
	p := rpm.params
	p.PrivilegedAccounts = make([]string, 0, len(rpm.privileged))
	for a := range rpm.privileged {
		p.PrivilegedAccounts = append(p.PrivilegedAccounts, a)
	}
	sort.Strings(p.PrivilegedAccounts)
	return p
}
