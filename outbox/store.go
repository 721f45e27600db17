package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultVisibility is the default claim lease duration
const DefaultVisibility = 5 * time.Minute

var (
	// ErrMessageNotFound is returned when the outbox message does not exist
	ErrMessageNotFound = errors.New("outbox message not found")

	// ErrClaimLost is returned when completing or failing messages whose claim
	// expired and was taken over by another relay. Those messages are left untouched
	ErrClaimLost = errors.New("outbox claim lost")
)

type gormMessage struct {
	Sequence      uint64 `gorm:"autoIncrement;primaryKey"`
	ID            string `gorm:"unique"`
	Type          string
	Key           string
	Payload       string
	Meta          *string
	Status        string     `gorm:"index:idx_outbox_eligible"`
	ClaimID       *string    `gorm:"index"`
	NextAttemptOn *time.Time `gorm:"index:idx_outbox_eligible"`
	Attempts      int
	Error         *string
	CreatedOn     time.Time
	UpdatedOn     time.Time
}

// TableName returns gorm table name
func (gm *gormMessage) TableName() string { return "outbox" }

// Cfg represents outbox store configuration
type Cfg struct {
	Clock          func() time.Time
	Backoff        eventstore.Backoff
	MaxErrorLen    int
	SkipMigrations bool
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Option represents outbox store configuration option
type Option func(Cfg) Cfg

// WithClock sets the clock used for claims and retry scheduling
func WithClock(now func() time.Time) Option {
	return func(cfg Cfg) Cfg {
		cfg.Clock = now

		return cfg
	}
}

// WithBackoff sets the retry backoff (see eventstore.DefaultBackoff)
func WithBackoff(b eventstore.Backoff) Option {
	return func(cfg Cfg) Cfg {
		cfg.Backoff = b

		return cfg
	}
}

// WithMaxErrorLen limits the length (in bytes) of stored error messages
func WithMaxErrorLen(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.MaxErrorLen = n

		return cfg
	}
}

// WithLogger sets store logger
func WithLogger(log *zap.Logger) Option {
	return func(cfg Cfg) Cfg {
		if log != nil {
			cfg.Logger = log
		}

		return cfg
	}
}

// WithMetrics enables outbox metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg Cfg) Cfg {
		cfg.Metrics = m

		return cfg
	}
}

// WithoutMigrations disables automatic schema migration
func WithoutMigrations() Option {
	return func(cfg Cfg) Cfg {
		cfg.SkipMigrations = true

		return cfg
	}
}

// New constructs the outbox store on top of db (usually EventStore.DB()
// so that enqueueing takes part in the aggregate unit of work)
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db must be provided")
	}

	cfg := Cfg{
		Clock:       time.Now,
		Backoff:     eventstore.DefaultBackoff,
		MaxErrorLen: 2048,
		Logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	s := Store{
		db:  db,
		cfg: cfg,
	}

	if cfg.SkipMigrations {
		return &s, nil
	}

	return &s, db.AutoMigrate(&gormMessage{})
}

// Store is a claim based outbox store.
// It is safe for concurrent use by multiple relays (even across processes)
type Store struct {
	db  *gorm.DB
	cfg Cfg
}

func (s *Store) now() time.Time { return s.cfg.Clock().UTC() }

// Enqueue stores messages as pending. When called within eventstore.Transact
// the messages become visible only once the transaction commits
func (s *Store) Enqueue(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	now := s.now()
	rows := make([]gormMessage, len(msgs))

	for i, msg := range msgs {
		if msg.Type == "" {
			return fmt.Errorf("message type must be provided")
		}

		row := gormMessage{
			ID:        msg.ID,
			Type:      msg.Type,
			Key:       msg.Key,
			Payload:   msg.Payload,
			Status:    string(StatusPending),
			CreatedOn: now,
			UpdatedOn: now,
		}

		if row.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}

			row.ID = id.String()
		}

		if msg.Meta != nil {
			m, err := json.Marshal(msg.Meta)
			if err != nil {
				return err
			}

			ms := string(m)
			row.Meta = &ms
		}

		rows[i] = row
	}

	if err := eventstore.Conn(ctx, s.db).Create(&rows).Error; err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}

	s.cfg.Metrics.OutboxEnqueued(len(rows))

	return nil
}

// eligible restricts q to messages which can be claimed at now:
// unclaimed pending messages, unclaimed failed messages due for a retry
// and messages whose claim lease has expired
func eligible(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where(
		"((status = ? AND claim_id IS NULL) OR "+
			"(status = ? AND claim_id IS NULL AND (next_attempt_on IS NULL OR next_attempt_on <= ?)) OR "+
			"(status = ? AND next_attempt_on <= ?))",
		string(StatusPending),
		string(StatusOnError), now,
		string(StatusProcessing), now,
	)
}

// Dequeue claims up to max eligible messages in FIFO order for the visibility duration
// (DefaultVisibility if not positive). A claimed message which is neither completed
// nor failed within the visibility window becomes eligible again
func (s *Store) Dequeue(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		return nil, fmt.Errorf("max should be at least 1")
	}

	if visibility <= 0 {
		visibility = DefaultVisibility
	}

	now := s.now()
	lease := now.Add(visibility)
	claimID := uuid.NewString()

	db := eventstore.Conn(ctx, s.db)

	var candidates []uint64

	err := eligible(db.Model(&gormMessage{}), now).
		Order("sequence asc").
		Limit(max).
		Pluck("sequence", &candidates).Error
	if err != nil {
		return nil, fmt.Errorf("outbox claim candidates: %w", err)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// eligibility is checked again by the update itself so that
	// concurrent claims never take over the same message
	tx := eligible(db.Model(&gormMessage{}).Where("sequence IN ?", candidates), now).
		Updates(map[string]any{
			"status":          string(StatusProcessing),
			"claim_id":        claimID,
			"next_attempt_on": lease,
			"updated_on":      now,
		})
	if tx.Error != nil {
		return nil, fmt.Errorf("outbox claim: %w", tx.Error)
	}

	if tx.RowsAffected == 0 {
		return nil, nil
	}

	var rows []gormMessage

	err = db.
		Where("claim_id = ?", claimID).
		Order("sequence asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("outbox claim read: %w", err)
	}

	s.cfg.Metrics.OutboxClaimed(len(rows))

	return toMessages(rows)
}

// Complete marks messages as published. When claimID is not empty only messages
// still held by that claim are completed and ErrClaimLost reports the rest
func (s *Store) Complete(ctx context.Context, claimID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	q := eventstore.Conn(ctx, s.db).
		Model(&gormMessage{}).
		Where("id IN ?", ids)

	if claimID != "" {
		q = q.Where("claim_id = ?", claimID)
	}

	tx := q.Updates(map[string]any{
		"status":          string(StatusPublished),
		"claim_id":        nil,
		"error":           nil,
		"next_attempt_on": nil,
		"updated_on":      s.now(),
	})
	if tx.Error != nil {
		return tx.Error
	}

	if claimID != "" && tx.RowsAffected < int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d messages", ErrClaimLost, int64(len(ids))-tx.RowsAffected, len(ids))
	}

	return nil
}

// Failure represents a failed message dispatch
type Failure struct {
	ID string

	// ClaimID guards against failing a message claimed again by another relay
	ClaimID string
	Err     error
}

// Fail marks messages as failed, releases their claim and schedules
// the next attempt using exponential backoff. Failures carrying a claim id
// which no longer holds the message are skipped and reported with ErrClaimLost
func (s *Store) Fail(ctx context.Context, failures ...Failure) error {
	if len(failures) == 0 {
		return nil
	}

	var lost []string

	err := eventstore.Transact(ctx, s.db, func(ctx context.Context) error {
		lost = lost[:0]

		db := eventstore.Conn(ctx, s.db)
		now := s.now()

		for _, f := range failures {
			var row gormMessage

			err := db.Where("id = ?", f.ID).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrMessageNotFound, f.ID)
			}

			if err != nil {
				return err
			}

			if f.ClaimID != "" && (row.ClaimID == nil || *row.ClaimID != f.ClaimID) {
				lost = append(lost, f.ID)

				continue
			}

			attempts := row.Attempts + 1
			next := now.Add(s.cfg.Backoff.Delay(attempts))
			msg := truncate(errMessage(f.Err), s.cfg.MaxErrorLen)

			q := db.Model(&gormMessage{}).Where("sequence = ?", row.Sequence)

			if f.ClaimID != "" {
				q = q.Where("claim_id = ?", f.ClaimID)
			}

			tx := q.Updates(map[string]any{
				"status":          string(StatusOnError),
				"claim_id":        nil,
				"attempts":        attempts,
				"error":           msg,
				"next_attempt_on": next,
				"updated_on":      now,
			})
			if tx.Error != nil {
				return tx.Error
			}

			if tx.RowsAffected == 0 {
				lost = append(lost, f.ID)

				continue
			}

			s.cfg.Logger.Debug(
				"outbox message failed",
				zap.String("id", f.ID),
				zap.Int("attempts", attempts),
				zap.Time("next_attempt_on", next),
			)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if len(lost) > 0 {
		return fmt.Errorf("%w: %v", ErrClaimLost, lost)
	}

	return nil
}

// Get returns a single message by its id
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	var row gormMessage

	err := eventstore.Conn(ctx, s.db).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrMessageNotFound
	}

	if err != nil {
		return Message{}, err
	}

	return toMessage(row)
}

// Depth returns the number of messages per status
func (s *Store) Depth(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}

	err := eventstore.Conn(ctx, s.db).
		Model(&gormMessage{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[Status]int64, len(rows))

	for _, r := range rows {
		out[Status(r.Status)] = r.N
	}

	return out, nil
}

func toMessages(rows []gormMessage) ([]Message, error) {
	msgs := make([]Message, len(rows))

	for i, row := range rows {
		msg, err := toMessage(row)
		if err != nil {
			return nil, err
		}

		msgs[i] = msg
	}

	return msgs, nil
}

func toMessage(row gormMessage) (Message, error) {
	msg := Message{
		ID:            row.ID,
		Type:          row.Type,
		Key:           row.Key,
		Payload:       row.Payload,
		Sequence:      row.Sequence,
		Status:        Status(row.Status),
		Attempts:      row.Attempts,
		NextAttemptOn: row.NextAttemptOn,
		CreatedOn:     row.CreatedOn,
	}

	if row.ClaimID != nil {
		msg.ClaimID = *row.ClaimID
	}

	if row.Error != nil {
		msg.Error = *row.Error
	}

	if row.Meta != nil {
		if err := json.Unmarshal([]byte(*row.Meta), &msg.Meta); err != nil {
			return Message{}, err
		}
	}

	return msg, nil
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}

	return err.Error()
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}

	b := []byte(s[:maxBytes])

	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}

	return string(b)
}
