package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePool AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types
	SubTypeActive AccountSubType = iota
	SubTypeUnlocking
	SubTypePayoutReserve
	SubTypeRewardVault

	// System sub-types
	SubTypeForfeited

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalConverter
	SubTypeExternalPayoutClaims
	SubTypeExternalRewardFunding
	SubTypeExternalRewardClaims
)

var subTypeNames = map[AccountSubType]string{
	SubTypeActive:                "active",
	SubTypeUnlocking:             "unlocking",
	SubTypePayoutReserve:         "payout_reserve",
	SubTypeRewardVault:           "reward_vault",
	SubTypeForfeited:             "forfeited",
	SubTypeExternalDeposits:      "deposits",
	SubTypeExternalWithdrawals:   "withdrawals",
	SubTypeExternalConverter:     "converter",
	SubTypeExternalPayoutClaims:  "payout_claims",
	SubTypeExternalRewardFunding: "reward_funding",
	SubTypeExternalRewardClaims:  "reward_claims",
}

var scopeNames = map[AccountScope]string{
	AccountScopePool:     "pool",
	AccountScopeSystem:   "system",
	AccountScopeExternal: "external",
}

// AccountKey is the in-memory key for balance tracking. Accounts are
// aggregate: per-depositor amounts live in the pool state, not the ledger.
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Asset   string
}

// PoolAccount creates a key for accounts the pool holds custody in
func PoolAccount(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopePool, SubType: subType, Asset: asset}
}

// SystemAccount creates a key for system bookkeeping accounts
func SystemAccount(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType, Asset: asset}
}

// ExternalAccount creates a key for external boundary accounts
func ExternalAccount(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	scope, ok := scopeNames[k.Scope]
	if !ok {
		return "unknown"
	}
	sub, ok := subTypeNames[k.SubType]
	if !ok {
		sub = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s", scope, sub, k.Asset)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	found := false
	for scope, name := range scopeNames {
		if name == parts[0] {
			key.Scope, found = scope, true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
	}

	found = false
	for sub, name := range subTypeNames {
		if name == parts[1] {
			key.SubType, found = sub, true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}

	key.Asset = parts[2]
	return key, nil
}
