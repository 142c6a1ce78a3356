// Package engine provides order execution, margin accounting and position
// management against the simulated market.
package engine

import (
	"sync"

	"tradesim/internal/errors"
)

// Account holds the mutable balance state for one account. All balance
// mutations go through the account's mutex so concurrent orders for the
// same account never interleave reads and writes.
type Account struct {
	ID string

	mu       sync.Mutex
	balance  float64
	reserved float64
}

// Balance returns the available (unreserved) balance.
func (a *Account) Balance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Reserved returns the total margin currently reserved.
func (a *Account) Reserved() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

// Reserve atomically checks and debits the available balance. The check
// and the debit happen under one lock acquisition: either the full amount
// is reserved or nothing changes.
func (a *Account) Reserve(amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.balance {
		return errors.InsufficientBalance(amount, a.balance)
	}
	a.balance -= amount
	a.reserved += amount
	return nil
}

// ReserveWithFee atomically reserves margin and debits a fee in one step.
// Fails without any mutation when the balance does not cover both.
func (a *Account) ReserveWithFee(margin, fee float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if margin+fee > a.balance {
		return errors.InsufficientBalance(margin+fee, a.balance)
	}
	a.balance -= margin + fee
	a.reserved += margin
	return nil
}

// Release returns previously reserved margin to the available balance.
func (a *Account) Release(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance += amount
	a.reserved -= amount
	if a.reserved < 0 {
		a.reserved = 0
	}
}

// Credit adds funds to the available balance (realized P&L, margin
// returned on close). Negative amounts debit.
func (a *Account) Credit(amount float64) {
	a.mu.Lock()
	a.balance += amount
	a.mu.Unlock()
}

// Debit removes funds from the available balance without a reservation,
// failing atomically when the balance does not cover the amount.
func (a *Account) Debit(amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.balance {
		return errors.InsufficientBalance(amount, a.balance)
	}
	a.balance -= amount
	return nil
}

// AccountManager tracks per-account balances. Accounts arrive already
// authenticated; the manager only holds their balance snapshots.
type AccountManager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewAccountManager creates an empty account manager.
func NewAccountManager() *AccountManager {
	return &AccountManager{accounts: make(map[string]*Account)}
}

// SetBalance registers or resets an account with the given available
// balance snapshot.
func (m *AccountManager) SetBalance(accountID string, balance float64) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		acct = &Account{ID: accountID}
		m.accounts[accountID] = acct
	}
	acct.mu.Lock()
	acct.balance = balance
	acct.reserved = 0
	acct.mu.Unlock()
	return acct
}

// Get returns the account, or a NOT_FOUND error for unknown IDs.
func (m *AccountManager) Get(accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, errors.NotFound("account", accountID)
	}
	return acct, nil
}
