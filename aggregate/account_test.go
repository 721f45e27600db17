package aggregate_test

import (
	"encoding/json"
	"errors"

	"github.com/aneshas/eventstore/v2/aggregate"
)

type opened struct {
	Owner string
}

type deposited struct {
	Amount int
}

type noted struct {
	Text string
}

var errInvalidAmount = errors.New("amount must be positive")

type account struct {
	aggregate.Root

	Owner   string
	Balance int

	applied int
}

func newAccount() *account {
	var a account

	aggregate.On(&a.Root, a.onOpened)
	aggregate.On(&a.Root, a.onDeposited)

	return &a
}

func (a *account) Open(id, owner string) error {
	return a.Create(id, opened{Owner: owner})
}

func (a *account) Deposit(amount int) error {
	if amount <= 0 {
		return errInvalidAmount
	}

	return a.Apply(deposited{Amount: amount})
}

func (a *account) onOpened(e opened) {
	a.Owner = e.Owner
	a.applied++
}

func (a *account) onDeposited(e deposited) {
	a.Balance += e.Amount
	a.applied++
}

type accountState struct {
	Owner   string
	Balance int
}

func (a *account) SaveState() ([]byte, error) {
	return json.Marshal(accountState{Owner: a.Owner, Balance: a.Balance})
}

func (a *account) RestoreState(state []byte) error {
	var s accountState

	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}

	a.Owner = s.Owner
	a.Balance = s.Balance

	return nil
}
