package eventstore

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Transact runs f within a single database transaction (unit of work).
// Stores sharing the same database pick the transaction up from ctx (see Conn),
// so every write performed by f becomes durable only if f returns nil.
// Nested calls join the outermost transaction.
func (es *EventStore) Transact(ctx context.Context, f func(ctx context.Context) error) error {
	return Transact(ctx, es.db, f)
}

// Transact runs f within a transaction started on db unless ctx
// already carries one
func Transact(ctx context.Context, db *gorm.DB, f func(ctx context.Context) error) error {
	if InTx(ctx) {
		return f(ctx)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return f(context.WithValue(ctx, txKey{}, tx))
	})
}

// InTx reports whether ctx carries an open transaction
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)

	return ok
}

// Conn returns the transaction carried by ctx or
// falls back to db if there is none
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}

	return db.WithContext(ctx)
}
