package ledger

import (
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypePendingTransfer
	SubTypeLendingPool

	// System sub-types
	SubTypeSystemFees
	SubTypeSystemLiquidatedCollateral
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalInbound
	SubTypeExternalOutbound
)

// AssetID maps the two tracked assets to numeric IDs
type AssetID uint16

const (
	AssetCollateral AssetID = 1
	AssetLoan       AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"COLLATERAL": AssetCollateral,
		"LOAN":       AssetLoan,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "COLLATERAL",
		AssetLoan:       "LOAN",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking. Owner is the host
// account id for user accounts and a fixed name for system accounts.
type AccountKey struct {
	Scope   AccountScope   `json:"scope"`
	Owner   string         `json:"owner,omitempty"`
	SubType AccountSubType `json:"sub_type"`
	AssetID AssetID        `json:"asset_id"`
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner string, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Owner:   "protocol",
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner, k.SubTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.SubTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) SubTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypePendingTransfer:
		return "pending_transfer"
	case SubTypeLendingPool:
		return "lending_pool"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemLiquidatedCollateral:
		return "liquidated_collateral"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalInbound:
		return "inbound"
	case SubTypeExternalOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
