package loyalty

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRetries bounds optimistic-concurrency retries per mutation.
const DefaultMaxRetries = 5

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Options configures the engine components. Zero values are valid.
type Options struct {
	Clock      Clock
	Logger     *zap.Logger
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// runTx executes fn in a transaction, retrying on ErrConcurrentModification.
// fn must be safe to re-run: it rebuilds its result from the store each time.
func runTx(ctx context.Context, store TxStore, opts Options, key string, fn func(Store) error) error {
	for attempt := 1; ; attempt++ {
		err := store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= opts.MaxRetries {
			opts.Logger.Error("mutation retries exhausted",
				zap.String("key", key), zap.Int("attempts", attempt))
			return &ConcurrencyConflictError{Key: key, Attempts: attempt}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		opts.Logger.Warn("concurrent modification, retrying",
			zap.String("key", key), zap.Int("attempt", attempt))
	}
}
