package outbox

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNoPendingBuffer is returned by Stage when ctx carries no pending buffer
var ErrNoPendingBuffer = errors.New("no pending outbox buffer in context")

type pendingKey struct{}

// Pending collects integration messages produced while handling domain events
// within a single unit of work, so they can be enqueued right before commit
type Pending struct {
	mu      sync.Mutex
	batches [][]Message
}

// Add appends a batch of messages
func (p *Pending) Add(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.batches = append(p.batches, slices.Clone(msgs))
}

// Len returns the number of buffered messages
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int

	for _, b := range p.batches {
		n += len(b)
	}

	return n
}

// Batches returns a copy of buffered batches in the order they were added
func (p *Pending) Batches() [][]Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]Message, len(p.batches))

	for i, b := range p.batches {
		out[i] = slices.Clone(b)
	}

	return out
}

// Flush drains the buffer passing all messages to f at once.
// If f fails the messages are put back in front of anything added meanwhile
func (p *Pending) Flush(ctx context.Context, f func(ctx context.Context, msgs []Message) error) error {
	p.mu.Lock()
	batches := p.batches
	p.batches = nil
	p.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}

	var msgs []Message

	for _, b := range batches {
		msgs = append(msgs, b...)
	}

	if err := f(ctx, msgs); err != nil {
		p.mu.Lock()
		p.batches = append(batches, p.batches...)
		p.mu.Unlock()

		return err
	}

	return nil
}

// WithPending returns a context carrying a new pending buffer
func WithPending(ctx context.Context) (context.Context, *Pending) {
	p := &Pending{}

	return context.WithValue(ctx, pendingKey{}, p), p
}

// PendingFrom returns the pending buffer carried by ctx or nil
func PendingFrom(ctx context.Context) *Pending {
	p, _ := ctx.Value(pendingKey{}).(*Pending)

	return p
}

// EnsurePending returns the pending buffer carried by ctx, creating one if needed.
// owned reports whether the buffer was created by this call (and should be flushed by the caller)
func EnsurePending(ctx context.Context) (_ context.Context, p *Pending, owned bool) {
	if p := PendingFrom(ctx); p != nil {
		return ctx, p, false
	}

	ctx, p = WithPending(ctx)

	return ctx, p, true
}

// Stage adds messages to the pending buffer carried by ctx
func Stage(ctx context.Context, msgs ...Message) error {
	p := PendingFrom(ctx)
	if p == nil {
		return ErrNoPendingBuffer
	}

	p.Add(msgs...)

	return nil
}
