package types

import "math/big"

// Account holds the spendable balance of a ledger identity.
type Account struct {
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults initialises nil numeric fields to zero.
func (a *Account) EnsureDefaults() {
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
}
