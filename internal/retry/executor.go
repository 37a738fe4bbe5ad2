package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Config contains retry policy settings
type Config struct {
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Observer is notified of every retry that is actually attempted
type Observer interface {
	IncRetry(op string)
}

// Executor runs operations with bounded retries and exponential backoff
type Executor struct {
	config   Config
	logger   *zap.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a retry executor
func New(config Config, logger *zap.Logger, observer Observer) *Executor {
	if config.Backoff <= 0 {
		config.Backoff = 100 * time.Millisecond
	}
	if config.MaxBackoff < config.Backoff {
		config.MaxBackoff = config.Backoff * 8
	}
	return &Executor{
		config:   config,
		logger:   logger.Named("storage_retry"),
		observer: observer,
		sleep:    sleepContext,
	}
}

// Do runs fn, retrying retryable failures. The last failure is returned
// once the attempt ceiling is reached; terminal failures return at once.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if attempt > e.config.Retries || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}

		backoff := e.calculateBackoff(attempt)
		e.logger.Warn("Retrying operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", e.config.Retries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if e.observer != nil {
			e.observer.IncRetry(op)
		}

		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			return err
		}
	}
}

// Value is Do for operations that produce a result
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (e *Executor) calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(e.config.Backoff) * math.Pow(2, float64(attempt-1)))
	if backoff > e.config.MaxBackoff {
		backoff = e.config.MaxBackoff
	}

	// Add jitter: ±20%
	jitter := float64(backoff) * 0.2
	backoff += time.Duration((rand.Float64()*2 - 1) * jitter)

	if backoff < 10*time.Millisecond {
		backoff = 10 * time.Millisecond
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
