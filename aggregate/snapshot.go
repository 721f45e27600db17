package aggregate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/result"
	"go.uber.org/zap"
)

const metaBusinessVersion = "business_version"

// Snapshotter is implemented by aggregates which can capture and restore
// their state (memento). Mementos are stored as text so they should be
// produced by a textual encoding such as json
type Snapshotter interface {
	SaveState() ([]byte, error)
	RestoreState(state []byte) error
}

// Snapshottable is an aggregate supporting snapshots
type Snapshottable interface {
	Aggregate
	Snapshotter
}

// Snapshot represents a stored aggregate memento
type Snapshot struct {
	StreamID        string
	StreamType      string
	Version         int
	BusinessVersion int
	State           []byte
}

// SnapshotCache can be used to avoid querying the event store for the latest snapshot
type SnapshotCache interface {
	Get(ctx context.Context, streamType, streamID string) (Snapshot, bool, error)
	Set(ctx context.Context, snapshot Snapshot) error
}

// SnapshotOpt represents snapshot store option
type SnapshotOpt func(*snapshotCfg)

type snapshotCfg struct {
	cache SnapshotCache
}

// WithSnapshotCache sets the snapshot cache
func WithSnapshotCache(c SnapshotCache) SnapshotOpt {
	return func(cfg *snapshotCfg) {
		cfg.cache = c
	}
}

// NewSnapshotStore decorates the aggregate store with snapshot support.
// A snapshot is taken whenever an append moves the aggregate version over
// a multiple of frequency. A frequency less than 1 disables snapshots
func NewSnapshotStore[T Snapshottable](inner *Store[T], frequency int, opts ...SnapshotOpt) *SnapshotStore[T] {
	var cfg snapshotCfg

	for _, opt := range opts {
		opt(&cfg)
	}

	return &SnapshotStore[T]{
		inner:     inner,
		frequency: frequency,
		cache:     cfg.cache,
	}
}

// SnapshotStore is an aggregate store which periodically snapshots aggregates
// and loads them from the latest snapshot, replaying only the newer events
type SnapshotStore[T Snapshottable] struct {
	inner     *Store[T]
	frequency int
	cache     SnapshotCache
}

func (s *SnapshotStore[T]) enabled() bool { return s.frequency > 0 }

// shouldSnapshot reports whether (committed, current] contains a positive multiple of frequency
func (s *SnapshotStore[T]) shouldSnapshot(committed, current int) bool {
	return current/s.frequency > max(committed, 0)/s.frequency
}

// Append stores uncommitted aggregate events (see Store.Append) together
// with a snapshot if one is due
func (s *SnapshotStore[T]) Append(ctx context.Context, a T) error {
	if !s.enabled() {
		return s.inner.Append(ctx, a)
	}

	r := a.root()

	if !s.shouldSnapshot(r.CommittedVersion(), r.Version()) {
		return s.inner.Append(ctx, a)
	}

	var snap *Snapshot

	err := s.inner.append(ctx, a, func(ctx context.Context) error {
		state, err := a.SaveState()
		if err != nil {
			return fmt.Errorf("%w: snapshot: %w", eventstore.ErrSerialization, err)
		}

		snap = &Snapshot{
			StreamID:        r.StreamID(),
			StreamType:      s.inner.streamType,
			Version:         r.Version(),
			BusinessVersion: r.BusinessVersion(),
			State:           state,
		}

		return s.inner.eventStore.Append(ctx, eventstore.EventToStore{
			StreamID:      snap.StreamID,
			StreamType:    snap.StreamType,
			StreamVersion: snap.Version,
			Category:      eventstore.CategorySnapshot,
			Meta: map[string]string{
				metaBusinessVersion: strconv.Itoa(snap.BusinessVersion),
			},
			Encoded: &eventstore.EncodedEvt{
				Type: snap.StreamType,
				Data: string(state),
			},
		})
	})
	if err != nil {
		return err
	}

	s.inner.cfg.Metrics.SnapshotTaken(s.inner.streamType)

	// an enclosing transaction might still roll back
	if !eventstore.InTx(ctx) {
		s.cacheSnapshot(ctx, *snap)
	}

	return nil
}

// Peek loads the aggregate from its latest snapshot (if any) and replays
// the events stored after it
func (s *SnapshotStore[T]) Peek(ctx context.Context, streamID string) (T, error) {
	const op = "aggregate.Peek"

	var zero T

	if !s.enabled() || streamID == "" {
		return s.inner.Peek(ctx, streamID)
	}

	start := time.Now()

	snap, ok, err := s.latest(ctx, streamID)
	if err != nil {
		return zero, s.inner.classify(op, err)
	}

	if !ok {
		return s.inner.Peek(ctx, streamID)
	}

	a := s.inner.factory()

	if err := a.RestoreState(snap.State); err != nil {
		return zero, result.E(op, result.KindSerialization, err)
	}

	a.root().restore(snap.StreamID, snap.Version, snap.BusinessVersion)

	err = s.inner.replay(
		ctx,
		a,
		streamID,
		eventstore.InStream(streamID),
		eventstore.AfterVersion(snap.Version),
	)
	if err != nil {
		return zero, s.inner.classify(op, err)
	}

	if a.IsEmpty() {
		return zero, result.E(op, result.KindNotFound, ErrAggregateNotFound)
	}

	s.inner.cfg.Metrics.AggregatePeeked(s.inner.streamType, true, time.Since(start))

	return a, nil
}

func (s *SnapshotStore[T]) latest(ctx context.Context, streamID string) (Snapshot, bool, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.Get(ctx, s.inner.streamType, streamID)

		switch {
		case err != nil:
			s.inner.cfg.Logger.Warn(
				"snapshot cache lookup failed",
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
		case ok:
			s.inner.cfg.Metrics.SnapshotCacheLookup(s.inner.streamType, true)

			return snap, true, nil
		default:
			s.inner.cfg.Metrics.SnapshotCacheLookup(s.inner.streamType, false)
		}
	}

	for evt, err := range s.inner.eventStore.Fetch(
		ctx,
		eventstore.InStream(streamID),
		eventstore.OfCategory(eventstore.CategorySnapshot),
		eventstore.Descending(),
		eventstore.Limit(1),
	) {
		if err != nil {
			return Snapshot{}, false, err
		}

		bv, _ := strconv.Atoi(evt.Meta[metaBusinessVersion])

		snap := Snapshot{
			StreamID:        evt.StreamID,
			StreamType:      s.inner.streamType,
			Version:         evt.StreamVersion,
			BusinessVersion: bv,
			State:           []byte(evt.Data),
		}

		s.cacheSnapshot(ctx, snap)

		return snap, true, nil
	}

	return Snapshot{}, false, nil
}

func (s *SnapshotStore[T]) cacheSnapshot(ctx context.Context, snap Snapshot) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Set(ctx, snap); err != nil {
		s.inner.cfg.Logger.Warn(
			"snapshot cache update failed",
			zap.String("stream_id", snap.StreamID),
			zap.Error(err),
		)
	}
}
