package query

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"GratisLedger/internal/ledger"
	fpmath "GratisLedger/internal/math"
)

const ratioPlaces = 8

// userSubTypes are the ledger accounts a user can hold a balance in
var userSubTypes = []ledger.AccountSubType{
	ledger.SubTypeCollateral,
	ledger.SubTypePendingTransfer,
	ledger.SubTypeLendingPool,
}

var trackedAssets = []ledger.AssetID{ledger.AssetCollateral, ledger.AssetLoan}

func amount(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

func signed(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0)
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ratio renders num/den, rounded to ratioPlaces
func ratio(f fpmath.Fraction) decimal.Decimal {
	if f.Den == 0 {
		return decimal.Zero
	}
	return fromUint64(f.Num).DivRound(fromUint64(f.Den), ratioPlaces)
}

// priceValue scales the mantissa down by the price decimals
func priceValue(p fpmath.Price) decimal.Decimal {
	return decimal.NewFromBigInt(p.Mantissa.ToBig(), -int32(p.Decimals))
}

// AccountBalances returns every non-zero ledger account of a user.
func (qs *QueryService) AccountBalances(account string) (*BalancesResponse, error) {
	if account == "" {
		return nil, ErrInvalidQuery
	}
	resp := &BalancesResponse{Account: account, Balances: []AccountBalance{}, AsOfSequence: qs.asOf()}
	for _, asset := range trackedAssets {
		name, _ := ledger.GetAssetName(asset)
		for _, sub := range userSubTypes {
			key := ledger.NewUserAccountKey(account, sub, asset)
			bal := qs.core.Balance(key)
			if bal.Sign() == 0 {
				continue
			}
			resp.Balances = append(resp.Balances, AccountBalance{
				AccountPath: key.AccountPath(),
				Asset:       name,
				Balance:     signed(bal),
			})
		}
	}
	return resp, nil
}
