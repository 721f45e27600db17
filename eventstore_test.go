package eventstore_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var integration = flag.Bool("integration", false, "perform integration tests")

type SomeEvent struct {
	UserID string
}

type AnotherEvent struct {
	Smth string
}

func someEvents(userIDs ...string) []eventstore.EventToStore {
	evts := make([]eventstore.EventToStore, len(userIDs))

	for i, id := range userIDs {
		evts[i] = eventstore.EventToStore{
			Event: SomeEvent{UserID: id},
		}
	}

	return evts
}

func TestShouldReadAppendedEvents(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"
	meta := map[string]string{
		"ip": "127.0.0.1",
	}

	evts := someEvents("user-1", "user-2", "user-2")
	for i := range evts {
		evts[i].Meta = meta
		evts[i].StreamType = "User"
	}

	err := es.AppendStream(ctx, stream, eventstore.InitialStreamVersion, evts)
	require.NoError(t, err)

	got, err := es.ReadStream(ctx, stream)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, evt := range got {
		assert.Equal(t, evts[i].Event, evt.Event)
		assert.Equal(t, meta, evt.Meta)
		assert.Equal(t, "SomeEvent", evt.Type)
		assert.Equal(t, "User", evt.StreamType)
		assert.Equal(t, eventstore.CategoryDomain, evt.Category)
		assert.Equal(t, i, evt.StreamVersion)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.OccurredOn.IsZero())
	}
}

func TestShouldWriteToDifferentStreams(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(ctx, "some-stream", eventstore.InitialStreamVersion, someEvents("user-1", "user-2"))
	require.NoError(t, err)

	err = es.AppendStream(ctx, "another-stream", eventstore.InitialStreamVersion, someEvents("user-1", "user-2"))
	require.NoError(t, err)
}

func TestShouldAppendToExistingStream(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(ctx, stream, eventstore.InitialStreamVersion, someEvents("user-1", "user-2", "user-3"))
	require.NoError(t, err)

	err = es.AppendStream(ctx, stream, 2, someEvents("user-4"))
	require.NoError(t, err)

	got, err := es.ReadStream(ctx, stream)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 3, got[3].StreamVersion)
}

func TestOptimisticConcurrencyCheckIsPerformed(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(ctx, stream, eventstore.InitialStreamVersion, someEvents("user-1"))
	require.NoError(t, err)

	err = es.AppendStream(ctx, stream, eventstore.InitialStreamVersion, someEvents("user-1"))
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyCheckFailed)
}

func TestSameVersionIsAllowedForDifferentCategories(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	err := es.Append(ctx, eventstore.EventToStore{
		Event:         SomeEvent{UserID: "user-1"},
		StreamID:      "some-stream",
		StreamVersion: 5,
	}, eventstore.EventToStore{
		StreamID:      "some-stream",
		StreamVersion: 5,
		Category:      eventstore.CategorySnapshot,
		Encoded:       &eventstore.EncodedEvt{Type: "User", Data: "memento"},
	})
	require.NoError(t, err)

	var snapshots []eventstore.StoredEvent

	for evt, err := range es.Fetch(ctx, eventstore.InStream("some-stream"), eventstore.OfCategory(eventstore.CategorySnapshot)) {
		require.NoError(t, err)

		snapshots = append(snapshots, evt)
	}

	require.Len(t, snapshots, 1)
	assert.Nil(t, snapshots[0].Event)
	assert.Equal(t, "memento", snapshots[0].Data)
}

func TestReadStreamWrapsNotFoundError(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	_, err := es.ReadStream(context.Background(), "foo-stream")
	assert.ErrorIs(t, err, eventstore.ErrStreamNotFound)
}

func TestFetchFilters(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	evts := someEvents("user-1", "user-2", "user-3", "user-4")
	evts = append(evts, eventstore.EventToStore{Event: AnotherEvent{Smth: "foo"}})

	err := es.AppendStream(ctx, "stream", eventstore.InitialStreamVersion, evts)
	require.NoError(t, err)

	err = es.AppendStream(ctx, "other", eventstore.InitialStreamVersion, someEvents("user-9"))
	require.NoError(t, err)

	cases := []struct {
		name     string
		opts     []eventstore.FetchOpt
		versions []int
	}{
		{
			name:     "after version",
			opts:     []eventstore.FetchOpt{eventstore.InStream("stream"), eventstore.AfterVersion(2)},
			versions: []int{3, 4},
		},
		{
			name:     "descending with limit",
			opts:     []eventstore.FetchOpt{eventstore.InStream("stream"), eventstore.Descending(), eventstore.Limit(2)},
			versions: []int{4, 3},
		},
		{
			name:     "of type",
			opts:     []eventstore.FetchOpt{eventstore.InStream("stream"), eventstore.OfType("AnotherEvent")},
			versions: []int{4},
		},
		{
			name:     "where predicate",
			opts:     []eventstore.FetchOpt{eventstore.Where("stream_version < ?", 1)},
			versions: []int{0, 0},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var versions []int

			for evt, err := range es.Fetch(ctx, tc.opts...) {
				require.NoError(t, err)

				versions = append(versions, evt.StreamVersion)
			}

			assert.Equal(t, tc.versions, versions)
		})
	}
}

func TestFetchCanBeStoppedEarly(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(ctx, "stream", eventstore.InitialStreamVersion, someEvents("user-1", "user-2", "user-3"))
	require.NoError(t, err)

	var n int

	for _, err := range es.Fetch(ctx, eventstore.InStream("stream")) {
		require.NoError(t, err)

		n++

		break
	}

	assert.Equal(t, 1, n)

	// cursor must have been released
	err = es.AppendStream(ctx, "stream", 2, someEvents("user-4"))
	require.NoError(t, err)
}

func TestTransactRollsBackOnError(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()
	anErr := errors.New("an error occurred")

	err := es.Transact(ctx, func(ctx context.Context) error {
		err := es.AppendStream(ctx, "stream", eventstore.InitialStreamVersion, someEvents("user-1"))
		require.NoError(t, err)

		return anErr
	})
	assert.ErrorIs(t, err, anErr)

	_, err = es.ReadStream(ctx, "stream")
	assert.ErrorIs(t, err, eventstore.ErrStreamNotFound)
}

func TestNestedTransactJoinsOuterTransaction(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()
	anErr := errors.New("an error occurred")

	err := es.Transact(ctx, func(ctx context.Context) error {
		assert.True(t, eventstore.InTx(ctx))

		err := es.Transact(ctx, func(ctx context.Context) error {
			return es.AppendStream(ctx, "stream", eventstore.InitialStreamVersion, someEvents("user-1"))
		})
		require.NoError(t, err)

		got, err := es.ReadStream(ctx, "stream")
		require.NoError(t, err)
		assert.Len(t, got, 1)

		return anErr
	})
	assert.ErrorIs(t, err, anErr)

	_, err = es.ReadStream(ctx, "stream")
	assert.ErrorIs(t, err, eventstore.ErrStreamNotFound)
}

func TestMarkProcessed(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	err := es.Append(ctx,
		eventstore.EventToStore{ID: "evt-1", Event: SomeEvent{UserID: "user-1"}, Category: eventstore.CategoryIntegration},
		eventstore.EventToStore{ID: "evt-2", Event: SomeEvent{UserID: "user-2"}, Category: eventstore.CategoryIntegration},
	)
	require.NoError(t, err)

	require.NoError(t, es.MarkProcessed(ctx, "evt-1", nil))
	require.NoError(t, es.MarkProcessed(ctx, "evt-2", errors.New("broker down")))

	got := map[string]eventstore.StoredEvent{}

	for evt, err := range es.Fetch(ctx, eventstore.OfCategory(eventstore.CategoryIntegration)) {
		require.NoError(t, err)

		got[evt.ID] = evt
	}

	require.Len(t, got, 2)

	assert.Equal(t, eventstore.StatusPublished, got["evt-1"].Status)
	assert.Equal(t, "evt-1", got["evt-1"].StreamID)
	assert.Nil(t, got["evt-1"].Error)
	assert.NotNil(t, got["evt-1"].ProcessedOn)

	assert.Equal(t, eventstore.StatusError, got["evt-2"].Status)
	require.NotNil(t, got["evt-2"].Error)
	assert.Equal(t, "broker down", *got["evt-2"].Error)

	err = es.MarkProcessed(ctx, "unknown", nil)
	assert.ErrorIs(t, err, eventstore.ErrEventNotFound)
}

func TestSubscribeAllWithOffsetCatchesUpToNewEvents(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(ctx, "stream-one", eventstore.InitialStreamVersion, someEvents("user-1", "user-2", "user-2"))
	require.NoError(t, err)

	sub, err := es.SubscribeAll(
		ctx,
		eventstore.WithOffset(1),
		eventstore.WithPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)

	defer sub.Close()

	got := readAllSub(t, sub, 2)
	assert.Len(t, got, 2)

	err = es.AppendStream(ctx, "stream-two", eventstore.InitialStreamVersion, someEvents("user-1", "user-2", "user-2", "user-2"))
	require.NoError(t, err)

	got = readAllSub(t, sub, 4)
	assert.Len(t, got, 4)
}

func readAllSub(t *testing.T, sub eventstore.Subscription, expect int) []eventstore.StoredEvent {
	var got []eventstore.StoredEvent

	timeout := time.After(5 * time.Second)

outer:
	for {
		select {
		case data := <-sub.EventData:
			got = append(got, data)

		case err := <-sub.Err:
			if err != nil {
				if errors.Is(err, io.EOF) {
					if len(got) < expect {
						break
					}

					break outer
				}

				t.Fatal(err)
			}

		case <-timeout:
			t.Fatalf("timed out waiting for %d events", expect)
		}
	}

	return got
}

func TestReadAllShouldReadAllEvents(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx := context.Background()

	evts := someEvents("user-1", "user-2", "user-3")

	err := es.AppendStream(ctx, "stream-one", eventstore.InitialStreamVersion, evts)
	require.NoError(t, err)

	err = es.Append(ctx, eventstore.EventToStore{
		StreamID:      "stream-one",
		StreamVersion: 2,
		Category:      eventstore.CategorySnapshot,
		Encoded:       &eventstore.EncodedEvt{Type: "User", Data: "{}"},
	})
	require.NoError(t, err)

	data, err := es.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, data, 3)

	for i := range evts {
		assert.Equal(t, evts[i].Event, data[i].Event)
	}
}

func TestSubscribeAllCancelsSubscriptionOnContextCancel(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := es.SubscribeAll(ctx)
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription should have been closed")
		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				break
			}

			assert.ErrorIs(t, err, context.DeadlineExceeded)

			return
		}
	}
}

func TestSubscribeAllCancelsSubscriptionWithClose(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	sub, err := es.SubscribeAll(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(time.Second)

		sub.Close()
	}()

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription should have been closed")
		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				break
			}

			assert.ErrorIs(t, err, eventstore.ErrSubscriptionClosedByClient)

			return
		}
	}
}

func subscriptionGoroutines() int {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]

	return strings.Count(string(buf), "(*EventStore).SubscribeAll.func1")
}

func TestSubscriptionStopsPollingAfterClose(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	before := subscriptionGoroutines()

	sub, err := es.SubscribeAll(context.Background(), eventstore.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	// let the subscription catch up and leave an unread io.EOF behind
	require.Eventually(t, func() bool { return len(sub.Err) == 1 }, time.Second, 5*time.Millisecond)

	sub.Close()

	assert.Eventually(t, func() bool {
		return subscriptionGoroutines() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadAllStopsPolling(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	es := eventStore(t)

	require.NoError(t, es.AppendStream(context.Background(), "stream", eventstore.InitialStreamVersion, someEvents("a", "b")))

	before := subscriptionGoroutines()

	for i := 0; i < 3; i++ {
		evts, err := es.ReadAll(context.Background(), eventstore.WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)
		assert.Len(t, evts, 2)
	}

	assert.Eventually(t, func() bool {
		return subscriptionGoroutines() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

type enc struct {
	encode func(any) (*eventstore.EncodedEvt, error)
	decode func(*eventstore.EncodedEvt) (any, error)
}

func (e enc) Encode(evt any) (*eventstore.EncodedEvt, error) {
	return e.encode(evt)
}

func (e enc) Decode(evt *eventstore.EncodedEvt) (any, error) {
	return e.decode(evt)
}

func TestEncoderEncodeErrorsPropagated(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	var anErr = fmt.Errorf("an error occurred")

	e := enc{
		encode: func(any) (*eventstore.EncodedEvt, error) { return nil, anErr },
	}

	es := eventStoreWithEnc(t, e)

	err := es.AppendStream(
		context.Background(),
		"stream",
		eventstore.InitialStreamVersion,
		someEvents("123"),
	)

	assert.ErrorIs(t, err, anErr)
}

func TestEncoderDecodeErrorsPropagated(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	var anErr = fmt.Errorf("an error occurred")

	es := eventStoreWithEnc(t, failingDecoder(anErr))

	err := es.AppendStream(
		context.Background(),
		"stream",
		eventstore.InitialStreamVersion,
		someEvents("123"),
	)
	require.NoError(t, err)

	_, err = es.ReadStream(context.Background(), "stream")

	assert.ErrorIs(t, err, anErr)
}

func TestEncoderDecodeErrorsPropagatedOnSubscribeAll(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	var anErr = fmt.Errorf("an error occurred")

	es := eventStoreWithEnc(t, failingDecoder(anErr))

	err := es.AppendStream(
		context.Background(),
		"stream",
		eventstore.InitialStreamVersion,
		someEvents("123"),
	)
	require.NoError(t, err)

	sub, err := es.SubscribeAll(context.Background())
	require.NoError(t, err)

	defer sub.Close()

	err = <-sub.Err

	assert.ErrorIs(t, err, anErr)
}

func failingDecoder(err error) eventstore.Encoder {
	return enc{
		encode: func(any) (*eventstore.EncodedEvt, error) {
			return &eventstore.EncodedEvt{
				Data: "malformed-json",
				Type: "foo",
			}, nil
		},
		decode: func(*eventstore.EncodedEvt) (any, error) {
			return nil, err
		},
	}
}

func TestNewEncoderMustBeProvided(t *testing.T) {
	_, err := eventstore.New(nil, eventstore.WithSQLiteDB("foo"))
	assert.Error(t, err)
}

func TestNewStorageMustBeProvided(t *testing.T) {
	_, err := eventstore.New(eventstore.NewJSONEncoder())
	assert.Error(t, err)
}

func TestAppendStreamValidation(t *testing.T) {
	es := eventstore.EventStore{}

	cases := []struct {
		stream string
		ver    int
		evts   []eventstore.EventToStore
	}{
		{
			stream: "",
			ver:    0,
			evts:   someEvents("user-123"),
		},
		{
			stream: "s",
			ver:    -2,
			evts:   someEvents("user-123"),
		},
		{
			stream: "stream",
			ver:    0,
			evts:   nil,
		},

		{
			stream: "stream",
			ver:    0,
			evts:   []eventstore.EventToStore{},
		},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			err := es.AppendStream(context.Background(), tc.stream, tc.ver, tc.evts)
			assert.Error(t, err, "validation error should have happened")
		})
	}
}

func TestMarkProcessedValidation(t *testing.T) {
	es := eventstore.EventStore{}

	assert.Error(t, es.MarkProcessed(context.Background(), "", nil))
}

func TestSubscribeAllMinimumBatchSize(t *testing.T) {
	es := eventstore.EventStore{}

	_, err := es.SubscribeAll(context.Background(), eventstore.WithBatchSize(-1))
	assert.Error(t, err, "minimum batch size should have been validated")
}

func TestReadAllMinimumBatchSize(t *testing.T) {
	es := eventstore.EventStore{}

	_, err := es.ReadAll(context.Background(), eventstore.WithBatchSize(-1))
	assert.Error(t, err, "minimum batch size should have been validated")
}

func TestReadStreamValidation(t *testing.T) {
	es := eventstore.EventStore{}

	_, err := es.ReadStream(context.Background(), "")
	assert.Error(t, err, "stream name should be provided")
}

func eventStore(t *testing.T) *eventstore.EventStore {
	return eventStoreWithEnc(t, eventstore.NewJSONEncoder(SomeEvent{}, AnotherEvent{}))
}

func eventStoreWithEnc(t *testing.T, enc eventstore.Encoder) *eventstore.EventStore {
	t.Helper()

	es, err := eventstore.New(enc, eventstore.WithSQLiteDB(filepath.Join(t.TempDir(), "es.db")))
	require.NoError(t, err, "error creating es")

	t.Cleanup(func() {
		assert.NoError(t, es.Close())
	})

	return es
}

func TestFetchConfigFilter(t *testing.T) {
	evts := []eventstore.StoredEvent{
		{Sequence: 1, StreamID: "a", StreamVersion: 0, Category: eventstore.CategoryDomain, Type: "SomeEvent"},
		{Sequence: 2, StreamID: "b", StreamVersion: 0, Category: eventstore.CategoryDomain, Type: "SomeEvent"},
		{Sequence: 3, StreamID: "a", StreamVersion: 1, Category: eventstore.CategoryDomain, Type: "AnotherEvent"},
		{Sequence: 4, StreamID: "a", StreamVersion: 1, Category: eventstore.CategorySnapshot, Type: "User"},
		{Sequence: 5, StreamID: "a", StreamVersion: 2, Category: eventstore.CategoryDomain, Type: "SomeEvent"},
	}

	got := eventstore.NewFetchConfig(
		eventstore.InStream("a"),
		eventstore.OfCategory(eventstore.CategoryDomain),
		eventstore.AfterVersion(0),
	).Filter(evts)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(5), got[1].Sequence)

	got = eventstore.NewFetchConfig(
		eventstore.OfType("SomeEvent"),
		eventstore.Descending(),
		eventstore.Limit(2),
	).Filter(evts)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)
}
