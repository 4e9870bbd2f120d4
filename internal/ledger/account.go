package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeBond
	SubTypeTradeEscrow

	// System sub-types (pool-scoped unless noted)
	SubTypePoolBase
	SubTypePoolQuote
	SubTypeSettlement
	SubTypeLPRewards
	SubTypeProtocolFees // singleton
	SubTypeTreasury     // singleton

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalEmission
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"DAI":  2,
		"WETH": 3,
		"WBTC": 4,
		"AUCT": 5,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "DAI",
		3: "WETH",
		4: "WBTC",
		5: "AUCT",
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

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users and pools, zero for singletons
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for trader accounts
func NewUserAccountKey(traderID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: traderID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewPoolAccountKey creates a key for pool-scoped system accounts
// (reserves, settlement escrow, LP rewards).
func NewPoolAccountKey(poolID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: poolID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for singleton system accounts
// (treasury, protocol fees). EntityID stays zero.
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
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
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		if k.EntityID == ([16]byte{}) {
			return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
		}
		pid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("system:%s:%s:%s", k.subTypeName(), pid.String(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeBond:
		return "bond"
	case SubTypeTradeEscrow:
		return "trade_escrow"
	case SubTypePoolBase:
		return "pool_base"
	case SubTypePoolQuote:
		return "pool_quote"
	case SubTypeSettlement:
		return "settlement"
	case SubTypeLPRewards:
		return "lp_rewards"
	case SubTypeProtocolFees:
		return "protocol_fees"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalEmission:
		return "emission"
	default:
		return "unknown"
	}
}
