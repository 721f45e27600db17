package bank

import "github.com/shopspring/decimal"

// AccountOpened domain event indicates that new account has been opened
type AccountOpened struct {
	AccountNumber  string
	Owner          string
	InitialBalance decimal.Decimal
}

// MoneyDeposited domain event indicates that a deposit has been made
type MoneyDeposited struct {
	Amount decimal.Decimal
}

// MoneyWithdrawn domain event indicates that money has been withdrawn
type MoneyWithdrawn struct {
	Amount decimal.Decimal
}

// TransactionRecorded integration event is relayed through the outbox
// for every movement of money
type TransactionRecorded struct {
	AccountID string
	Kind      string
	Amount    decimal.Decimal
}

// Transaction kinds
const (
	KindOpening    = "opening"
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Events lists every event which should be registered with the encoder
func Events() []any {
	return []any{
		AccountOpened{},
		MoneyDeposited{},
		MoneyWithdrawn{},
		TransactionRecorded{},
	}
}
