// Package eventstore provides a light-weight append-only event store
// that uses sqlite or postgres (through gorm) as a backing storage.
// Apart from the event store, mechanisms for building projections,
// working with event sourced aggregates (see aggregate package) and
// relaying integration events (see outbox package) are provided
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	uuid2 "github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the event store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that stream entry related to a particular version already exists
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: stream version exists")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")

	// ErrEventNotFound indicates that the event with the given id does not exist
	ErrEventNotFound = errors.New("event not found")
)

// Category groups stored events by their purpose
type Category string

const (
	// CategoryDomain is used for domain events which make up aggregate streams
	CategoryDomain Category = "domain"

	// CategoryIntegration is used for events meant to be published to other systems
	CategoryIntegration Category = "integration"

	// CategorySnapshot is used for aggregate snapshots (mementos) stored alongside streams
	CategorySnapshot Category = "snapshot"
)

// Processing statuses of integration events
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusError     = "error"
)

// New construct new event store
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	cfg := Cfg{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg.SQLitePath != "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		// sqlite allows a single writer, serialize access through one connection
		sqlDB.SetMaxOpenConns(1)
	}

	es := EventStore{
		db:  db,
		enc: enc,
		log: cfg.Logger,
	}

	if cfg.SkipMigrations {
		return &es, nil
	}

	return &es, db.AutoMigrate(&gormEvent{})
}

// Cfg represents event store configuration
type Cfg struct {
	PostgresDSN    string
	SQLitePath     string
	SkipMigrations bool
	Logger         *zap.Logger
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event store option that can be used to configure
// the eventstore to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event store option that can be used to configure
// the eventstore to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithLogger sets the logger used by the event store
func WithLogger(log *zap.Logger) Option {
	return func(cfg Cfg) Cfg {
		if log != nil {
			cfg.Logger = log
		}

		return cfg
	}
}

// WithoutMigrations disables automatic schema migration on startup
func WithoutMigrations() Option {
	return func(cfg Cfg) Cfg {
		cfg.SkipMigrations = true

		return cfg
	}
}

// EventStore represents a gorm backed (sqlite or postgres) event store implementation
type EventStore struct {
	db  *gorm.DB
	enc Encoder
	log *zap.Logger
}

// DB returns the underlying gorm connection so that other stores
// (eg. outbox) can share it and take part in the same unit of work
func (es *EventStore) DB() *gorm.DB { return es.db }

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (es *EventStore) Close() error {
	sqlDB, err := es.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	ID                 string `gorm:"unique"`
	Sequence           uint64 `gorm:"autoIncrement;primaryKey"`
	Type               string
	Category           string `gorm:"index:idx_optimistic_check,unique,priority:2"`
	Data               string
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string `gorm:"index:idx_optimistic_check,unique,priority:1;index"`
	StreamType         string
	StreamVersion      int `gorm:"index:idx_optimistic_check,unique,priority:3"`
	Status             *string
	Error              *string
	ProcessedOn        *time.Time
	OccurredOn         time.Time
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

const (
	// InitialStreamVersion can be used as an initial expectedVer for
	// new streams (as an argument to AppendStream). The first event
	// of a stream gets version 0
	InitialStreamVersion int = -1
)

// AppendStream will encode provided event slice and try to append them to
// an indicated stream. If the stream does not exist it will be created.
// If the stream already exists an optimistic concurrency check will be performed
// using a compound key (stream-version).
// expectedVer should be InitialStreamVersion for new streams and the latest
// stream version for existing streams, otherwise a concurrency error
// will be raised
func (es *EventStore) AppendStream(
	ctx context.Context,
	stream string,
	expectedVer int,
	events []EventToStore) error {

	if len(stream) == 0 {
		return fmt.Errorf("stream name must be provided")
	}

	if expectedVer < InitialStreamVersion {
		return fmt.Errorf("expected version cannot be less than %d", InitialStreamVersion)
	}

	if len(events) == 0 {
		return fmt.Errorf("at least one event must be provided")
	}

	versioned := make([]EventToStore, len(events))

	for i, evt := range events {
		expectedVer++

		evt.StreamID = stream
		evt.StreamVersion = expectedVer

		versioned[i] = evt
	}

	return es.Append(ctx, versioned...)
}

// Append encodes and stores already versioned events. When called within
// Transact the write is staged in the enclosing transaction and becomes
// durable only once the transaction commits.
// A duplicate (stream, category, version) results in ErrConcurrencyCheckFailed
func (es *EventStore) Append(ctx context.Context, events ...EventToStore) error {
	if len(events) == 0 {
		return nil
	}

	eventsToSave := make([]gormEvent, len(events))

	for i, evt := range events {
		event, err := es.toRow(evt)
		if err != nil {
			return err
		}

		eventsToSave[i] = event
	}

	err := Conn(ctx, es.db).Create(&eventsToSave).Error
	if err == nil {
		return nil
	}

	if isDuplicateKey(err) {
		es.log.Debug(
			"concurrency check failed",
			zap.String("stream_id", events[0].StreamID),
			zap.Int("stream_version", events[0].StreamVersion),
		)

		return ErrConcurrencyCheckFailed
	}

	return err
}

func (es *EventStore) toRow(evt EventToStore) (gormEvent, error) {
	category := evt.Category
	if category == "" {
		category = CategoryDomain
	}

	encoded := evt.Encoded
	if encoded == nil {
		var err error

		encoded, err = es.enc.Encode(evt.Event)
		if err != nil {
			return gormEvent{}, err
		}
	}

	event := gormEvent{
		ID:            evt.ID,
		Type:          encoded.Type,
		Category:      string(category),
		Data:          encoded.Data,
		StreamID:      evt.StreamID,
		StreamType:    evt.StreamType,
		StreamVersion: evt.StreamVersion,
		OccurredOn:    evt.OccurredOn,
	}

	if event.ID == "" {
		uuid, err := uuid2.NewV7()
		if err != nil {
			return gormEvent{}, err
		}

		event.ID = uuid.String()
	}

	if category == CategoryIntegration {
		status := StatusPending
		event.Status = &status

		// integration events do not belong to a versioned stream
		if event.StreamID == "" {
			event.StreamID = event.ID
		}
	}

	if event.StreamID == "" {
		return gormEvent{}, fmt.Errorf("stream id must be provided for %s event %s", category, encoded.Type)
	}

	if evt.CorrelationEventID != "" {
		event.CorrelationEventID = &evt.CorrelationEventID
	}

	if evt.CausationEventID != "" {
		event.CausationEventID = &evt.CausationEventID
	}

	if evt.Meta != nil {
		m, err := json.Marshal(evt.Meta)
		if err != nil {
			return gormEvent{}, err
		}

		ms := string(m)

		event.Meta = &ms
	}

	if event.OccurredOn.IsZero() {
		event.OccurredOn = time.Now().UTC()
	}

	return event, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return true
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	return false
}

// MarkProcessed updates the post publish status of an integration event.
// A nil procErr marks the event as published, otherwise the event is marked
// with an error status and the error message is recorded
func (es *EventStore) MarkProcessed(ctx context.Context, eventID string, procErr error) error {
	if eventID == "" {
		return fmt.Errorf("event id must be provided")
	}

	now := time.Now().UTC()
	status := StatusPublished

	updates := map[string]any{
		"status":       status,
		"error":        nil,
		"processed_on": now,
	}

	if procErr != nil {
		updates["status"] = StatusError
		updates["error"] = procErr.Error()
	}

	tx := Conn(ctx, es.db).
		Model(&gormEvent{}).
		Where("id = ? AND category = ?", eventID, string(CategoryIntegration)).
		Updates(updates)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return ErrEventNotFound
	}

	return nil
}

// Fetch returns a lazy, forward only sequence of stored events matching
// the provided options. The underlying cursor is closed as soon as the
// caller stops iterating, so it is safe to consume only a part of it
// (eg. the latest snapshot)
func (es *EventStore) Fetch(ctx context.Context, opts ...FetchOpt) iter.Seq2[StoredEvent, error] {
	cfg := NewFetchConfig(opts...)

	return func(yield func(StoredEvent, error) bool) {
		q := Conn(ctx, es.db).Model(&gormEvent{})

		q = cfg.apply(q)

		rows, err := q.Rows()
		if err != nil {
			yield(StoredEvent{}, err)

			return
		}

		defer rows.Close()

		for rows.Next() {
			var ge gormEvent

			if err := es.db.ScanRows(rows, &ge); err != nil {
				yield(StoredEvent{}, err)

				return
			}

			evt, err := es.decodeEvent(ge)
			if err != nil {
				yield(StoredEvent{}, err)

				return
			}

			if !yield(evt, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(StoredEvent{}, err)
		}
	}
}

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       uint64
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription / read all option that indicates an offset in
// the event store from which to start reading events (exclusive)
func WithOffset(offset uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription/read all option that specifies the read
// batch size (limit) when reading events from the event store
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription/read all option that specifies the polling
// interval of the underlying database
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription represents ReadAll subscription that is used for streaming
// incoming events
type Subscription struct {
	// Err chan will produce any errors that might occur while reading events
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the event store and that there are no more events to read after which
	// the subscription itself will continue polling the event store for new events
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err       chan error
	EventData chan StoredEvent

	close chan struct{}
}

// Close closes the subscription and halts the polling of the database
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// finish reports the terminal error without blocking. A pending io.EOF
// nobody read is replaced since the subscription is over
func (s Subscription) finish(err error) {
	select {
	case <-s.Err:
	default:
	}

	select {
	case s.Err <- err:
	default:
	}
}

// ReadAll will read all events from the event store by internally creating a
// a subscription and depleting it until io.EOF is encountered
// WARNING: Use with caution as this method will read the entire event store
// in a blocking fashion (probably best used in combination with offset option)
func (es *EventStore) ReadAll(ctx context.Context, opts ...SubAllOpt) ([]StoredEvent, error) {
	sub, err := es.SubscribeAll(ctx, opts...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	var events []StoredEvent

	for {
		select {
		case data := <-sub.EventData:
			events = append(events, data)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				// drain whatever was buffered before we caught up
				for len(sub.EventData) > 0 {
					events = append(events, <-sub.EventData)
				}

				return events, nil
			}

			return nil, err
		}
	}
}

// SubscribeAll will create a subscription which can be used to stream all domain and
// integration events in an orderly fashion (snapshots are skipped).
// This mechanism should probably be mostly useful for building projections
func (es *EventStore) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:       make(chan error, 1),
		EventData: make(chan StoredEvent, cfg.batchSize),
		close:     make(chan struct{}, 1),
	}

	go func() {
		var done error

		for {
			select {
			case <-sub.close:
				sub.finish(ErrSubscriptionClosedByClient)

				return
			case <-ctx.Done():
				sub.finish(ctx.Err())

				return
			case <-time.After(cfg.pollInterval):
				// Make sure client reads all buffered events
				if done != nil {
					if len(sub.EventData) != 0 {
						break
					}

					sub.finish(done)

					return
				}

				var evts []gormEvent

				if err := es.db.
					WithContext(ctx).
					Where("sequence > ? AND category <> ?", cfg.offset, string(CategorySnapshot)).
					Order("sequence asc").
					Limit(cfg.batchSize).
					Find(&evts).Error; err != nil {
					done = err

					break
				}

				if len(evts) == 0 {
					select {
					case sub.Err <- io.EOF:
					default:
					}

					break
				}

				// sequences might have gaps (eg. rolled back transactions)
				cfg.offset = evts[len(evts)-1].Sequence

				decoded, err := es.decodeEvents(evts)
				if err != nil {
					done = err

					break
				}

				for _, evt := range decoded {
					select {
					case sub.EventData <- evt:
					case <-sub.close:
						sub.finish(ErrSubscriptionClosedByClient)

						return
					case <-ctx.Done():
						sub.finish(ctx.Err())

						return
					}
				}
			}
		}
	}()

	return sub, nil
}

// ReadStream will read all domain events associated with provided stream
// If there are no events stored for a given stream ErrStreamNotFound will be returned
func (es *EventStore) ReadStream(ctx context.Context, stream string) ([]StoredEvent, error) {
	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	var events []StoredEvent

	for evt, err := range es.Fetch(
		ctx,
		InStream(stream),
		OfCategory(CategoryDomain),
	) {
		if err != nil {
			return nil, err
		}

		events = append(events, evt)
	}

	if len(events) == 0 {
		return nil, ErrStreamNotFound
	}

	return events, nil
}

func (es *EventStore) decodeEvents(events []gormEvent) ([]StoredEvent, error) {
	out := make([]StoredEvent, len(events))

	for i, evt := range events {
		decoded, err := es.decodeEvent(evt)
		if err != nil {
			return nil, err
		}

		out[i] = decoded
	}

	return out, nil
}

func (es *EventStore) decodeEvent(evt gormEvent) (StoredEvent, error) {
	var data any

	// snapshot payloads are opaque mementos and are never decoded by the store
	if Category(evt.Category) != CategorySnapshot {
		var err error

		data, err = es.enc.Decode(&EncodedEvt{
			Data: evt.Data,
			Type: evt.Type,
		})
		if err != nil {
			return StoredEvent{}, err
		}
	}

	var meta map[string]string

	if evt.Meta != nil {
		err := json.Unmarshal([]byte(*evt.Meta), &meta)
		if err != nil {
			return StoredEvent{}, err
		}
	}

	stored := StoredEvent{
		Event:              data,
		Data:               evt.Data,
		Meta:               meta,
		ID:                 evt.ID,
		Sequence:           evt.Sequence,
		Type:               evt.Type,
		Category:           Category(evt.Category),
		CausationEventID:   evt.CausationEventID,
		CorrelationEventID: evt.CorrelationEventID,
		StreamID:           evt.StreamID,
		StreamType:         evt.StreamType,
		StreamVersion:      evt.StreamVersion,
		Error:              evt.Error,
		ProcessedOn:        evt.ProcessedOn,
		OccurredOn:         evt.OccurredOn,
	}

	if evt.Status != nil {
		stored.Status = *evt.Status
	}

	return stored, nil
}
