// Package treasury defines the external value-transfer collaborator: a
// single fungible balance per account, debited and credited atomically.
// The production implementation lives outside this service; the in-memory
// ledger here backs development and tests.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account
	// balance. Debits fail loudly and atomically.
	ErrInsufficientFunds = errors.New("treasury: insufficient funds")

	// ErrInvalidAmount is returned for negative transfer amounts.
	ErrInvalidAmount = errors.New("treasury: amount must be non-negative")
)

// Transferor moves value in and out of trader accounts.
type Transferor interface {
	// Debit removes amount from the account, failing with
	// ErrInsufficientFunds if the balance does not cover it.
	Debit(ctx context.Context, account string, amount decimal.Decimal) error

	// Credit adds amount to the account.
	Credit(ctx context.Context, account string, amount decimal.Decimal) error
}

// MemoryLedger is an in-memory Transferor for testing and development.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]decimal.Decimal)}
}

// Fund seeds an account balance. Test/setup helper.
func (l *MemoryLedger) Fund(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
}

// Balance returns the current balance of an account.
func (l *MemoryLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

func (l *MemoryLedger) Debit(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[account]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientFunds, account, bal, amount)
	}
	l.balances[account] = bal.Sub(amount)
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, account string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}
