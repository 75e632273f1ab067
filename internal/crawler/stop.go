package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openmined/vaultsync/internal/remote"
)

var (
	// ErrStopped signals a requested abort. It is not a failure and is never retried.
	ErrStopped = errors.New("operation stopped")

	// ErrInconsistentResponse marks a bulk response that left out a requested item.
	ErrInconsistentResponse = errors.New("remote response missing requested item")
)

// StopFlag is a cancellation flag shared between the worker running a crawl
// and whoever wants it stopped. The zero value is ready to use.
type StopFlag struct {
	stopped atomic.Bool
}

func (f *StopFlag) Stop() {
	f.stopped.Store(true)
}

func (f *StopFlag) Stopped() bool {
	return f != nil && f.stopped.Load()
}

// IsStopped reports whether err is a cancellation rather than a failure.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func checkStop(ctx context.Context, flag *StopFlag) error {
	if flag.Stopped() || ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

// RetryPolicy retries transient remote failures a fixed number of times with a fixed delay.
type RetryPolicy struct {
	Count int
	Delay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Count: 5,
	Delay: 2 * time.Second,
}

func retryable(err error) bool {
	return !errors.Is(err, remote.ErrNotFound) && !errors.Is(err, ErrInconsistentResponse)
}

// Do runs fn, checking the stop flag before every attempt. Cancellation is
// returned as ErrStopped; other errors are retried unless they are permanent.
func (p RetryPolicy) Do(ctx context.Context, flag *StopFlag, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := checkStop(ctx, flag); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsStopped(err) {
			return ErrStopped
		}
		if !retryable(err) || attempt >= p.Count {
			if attempt > 0 {
				return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt+1, err)
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		slog.Warn("remote call failed, retrying", "op", op, "attempt", attempt+1, "delay", p.Delay, "error", err)
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ErrStopped
			case <-timer.C:
			}
		}
	}
}
