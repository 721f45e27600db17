package bank

import (
	"context"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/aggregate"
	"github.com/aneshas/eventstore/v2/eventbus"
	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accounts loads and stores accounts
type Accounts = aggregate.Repository[*Account]

// ServiceOpt configures the service
type ServiceOpt func(*serviceCfg)

type serviceCfg struct {
	snapshotFrequency int
	cache             aggregate.SnapshotCache
	storeOpts         []aggregate.Option
	log               *zap.Logger
}

// WithSnapshots enables account snapshots every frequency events
func WithSnapshots(frequency int, cache aggregate.SnapshotCache) ServiceOpt {
	return func(cfg *serviceCfg) {
		cfg.snapshotFrequency = frequency
		cfg.cache = cache
	}
}

// WithStoreOptions passes additional options to the aggregate store
func WithStoreOptions(opts ...aggregate.Option) ServiceOpt {
	return func(cfg *serviceCfg) {
		cfg.storeOpts = append(cfg.storeOpts, opts...)
	}
}

// WithServiceLogger sets service logger
func WithServiceLogger(log *zap.Logger) ServiceOpt {
	return func(cfg *serviceCfg) {
		cfg.log = log
	}
}

// NewService wires the account store: domain events are dispatched
// through an in-process bus which stages TransactionRecorded messages
// into the outbox within the append unit of work
func NewService(es aggregate.EventStore, ob aggregate.Enqueuer, opts ...ServiceOpt) *Service {
	cfg := serviceCfg{log: zap.NewNop()}

	for _, opt := range opts {
		opt(&cfg)
	}

	bus := eventbus.New(cfg.log)

	bus.SubscribeAll(recordTransaction)

	storeOpts := append([]aggregate.Option{
		aggregate.WithPublisher(bus),
		aggregate.WithOutbox(ob),
		aggregate.WithLogger(cfg.log),
	}, cfg.storeOpts...)

	store := aggregate.NewStore(es, NewAccount, storeOpts...)

	var accounts Accounts = store

	if cfg.snapshotFrequency > 0 {
		var snapOpts []aggregate.SnapshotOpt

		if cfg.cache != nil {
			snapOpts = append(snapOpts, aggregate.WithSnapshotCache(cfg.cache))
		}

		accounts = aggregate.NewSnapshotStore(store, cfg.snapshotFrequency, snapOpts...)
	}

	return &Service{
		accounts: accounts,
		exec:     aggregate.NewExecutor(accounts),
	}
}

// recordTransaction stages a TransactionRecorded message for every movement of money
func recordTransaction(ctx context.Context, evt aggregate.Event) error {
	var (
		kind   string
		amount decimal.Decimal
	)

	switch e := evt.E.(type) {
	case AccountOpened:
		kind, amount = KindOpening, e.InitialBalance
	case MoneyDeposited:
		kind, amount = KindDeposit, e.Amount
	case MoneyWithdrawn:
		kind, amount = KindWithdrawal, e.Amount
	default:
		return nil
	}

	msg, err := outbox.NewMessage(
		TransactionRecorded{
			AccountID: evt.StreamID,
			Kind:      kind,
			Amount:    amount,
		},
		outbox.WithKey(evt.StreamID),
		outbox.WithMeta(map[string]string{
			"causation_event_id": evt.ID,
		}),
	)
	if err != nil {
		return err
	}

	return outbox.Stage(ctx, msg)
}

// Service exposes account use cases
type Service struct {
	accounts Accounts
	exec     aggregate.Executor[*Account]
}

// Open opens a new account
func (s *Service) Open(ctx context.Context, id, number, owner string, initial decimal.Decimal) error {
	acc := NewAccount()

	if err := acc.Open(id, number, owner, initial); err != nil {
		return err
	}

	return s.accounts.Append(ctx, acc)
}

// Deposit deposits money to an existing account
func (s *Service) Deposit(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.exec(ctx, id, func(_ context.Context, acc *Account) error {
		return acc.Deposit(amount)
	})
}

// Withdraw withdraws money from an existing account
func (s *Service) Withdraw(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.exec(ctx, id, func(_ context.Context, acc *Account) error {
		return acc.Withdraw(amount)
	})
}

// Get loads an account
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.accounts.Peek(ctx, id)
}

// OpenEventStore opens the sqlite (or postgres when dsn is set) event store
// with every bank event registered
func OpenEventStore(dsn, sqlitePath string, log *zap.Logger) (*eventstore.EventStore, error) {
	db := eventstore.WithSQLiteDB(sqlitePath)
	if dsn != "" {
		db = eventstore.WithPostgresDB(dsn)
	}

	return eventstore.New(
		eventstore.NewJSONEncoder(Events()...),
		db,
		eventstore.WithLogger(log),
	)
}
