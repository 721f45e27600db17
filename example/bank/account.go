// Package bank is an example bank account domain built on top of
// the aggregate, outbox and eventbus packages
package bank

import (
	"encoding/json"
	"errors"

	"github.com/aneshas/eventstore/v2/aggregate"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when withdrawing more than the balance
	ErrInsufficientFunds = errors.New("Insufficient funds")

	// ErrInvalidAmount is returned for non positive amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAccountNumberRequired is returned when opening an account without a number
	ErrAccountNumberRequired = errors.New("account number is required")
)

// NewAccount creates an empty Account with its event handlers registered
func NewAccount() *Account {
	var acc Account

	aggregate.On(&acc.Root, acc.onOpened)
	aggregate.On(&acc.Root, acc.onDeposited)
	aggregate.On(&acc.Root, acc.onWithdrawn)

	return &acc
}

// Account represents a bank account aggregate
type Account struct {
	aggregate.Root

	Number  string
	Owner   string
	Balance decimal.Decimal
}

// Open opens a new account
func (a *Account) Open(id, number, owner string, initial decimal.Decimal) error {
	if number == "" {
		return ErrAccountNumberRequired
	}

	if initial.IsNegative() {
		return ErrInvalidAmount
	}

	return a.Create(id, AccountOpened{
		AccountNumber:  number,
		Owner:          owner,
		InitialBalance: initial,
	})
}

// Deposit money
func (a *Account) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	return a.Apply(MoneyDeposited{Amount: amount})
}

// Withdraw money
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	if amount.GreaterThan(a.Balance) {
		return ErrInsufficientFunds
	}

	return a.Apply(MoneyWithdrawn{Amount: amount})
}

func (a *Account) onOpened(evt AccountOpened) {
	a.Number = evt.AccountNumber
	a.Owner = evt.Owner
	a.Balance = evt.InitialBalance
}

func (a *Account) onDeposited(evt MoneyDeposited) {
	a.Balance = a.Balance.Add(evt.Amount)
}

func (a *Account) onWithdrawn(evt MoneyWithdrawn) {
	a.Balance = a.Balance.Sub(evt.Amount)
}

type state struct {
	Number  string          `json:"number"`
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
}

// SaveState captures account state for snapshots
func (a *Account) SaveState() ([]byte, error) {
	return json.Marshal(state{
		Number:  a.Number,
		Owner:   a.Owner,
		Balance: a.Balance,
	})
}

// RestoreState restores account state from a snapshot
func (a *Account) RestoreState(data []byte) error {
	var s state

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	a.Number = s.Number
	a.Owner = s.Owner
	a.Balance = s.Balance

	return nil
}
