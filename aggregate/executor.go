package aggregate

import "context"

// Repository loads and stores aggregates (see Store and SnapshotStore)
type Repository[T Aggregate] interface {
	Peek(ctx context.Context, streamID string) (T, error)
	Append(ctx context.Context, a T) error
}

// NewExecutor creates a new executor for the given aggregate repository
func NewExecutor[T Aggregate](repo Repository[T]) Executor[T] {
	return func(ctx context.Context, streamID string, f func(ctx context.Context, a T) error) error {
		return Exec(ctx, repo, streamID, f)
	}
}

// Executor is a helper function to load an aggregate from the store, execute a function and save the aggregate back to the store
type Executor[T Aggregate] func(ctx context.Context, streamID string, f func(ctx context.Context, a T) error) error

// Exec loads the aggregate, executes f and appends the aggregate back to the repository.
// If f fails nothing is appended
func Exec[T Aggregate](ctx context.Context, repo Repository[T], streamID string, f func(ctx context.Context, a T) error) error {
	a, err := repo.Peek(ctx, streamID)
	if err != nil {
		return err
	}

	err = f(ctx, a)
	if err != nil {
		return err
	}

	return repo.Append(ctx, a)
}
