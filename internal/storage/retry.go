package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/log"
)

// Retry policy for transient backend failures. Definitive outcomes
// (ErrNotFound, ErrDuplicateID, ErrConcurrentModification) pass through
// immediately; everything else is treated as transient connectivity
// trouble, retried with exponential backoff, and finally surfaced wrapped
// in ErrUnavailable.
const (
	retryAttempts     = 3
	retryInitialDelay = 100 * time.Millisecond
)

// retrying decorates a Backend with the transient-failure retry policy.
type retrying struct {
	inner  Backend
	logger log.Logger
}

// WithRetry wraps a backend so transient failures are retried before they
// reach the thread store. The in-memory backend never fails transiently
// and does not need wrapping.
func WithRetry(inner Backend, logger log.Logger) Backend {
	if logger == nil {
		logger = log.NewNop()
	}
	return &retrying{inner: inner, logger: logger}
}

// retry runs op up to retryAttempts times. The sleep between attempts
// doubles each time and aborts early when the context is done.
func (r *retrying) retry(ctx context.Context, name string, op func() error) error {
	var err error
	delay := retryInitialDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || IsDefinitive(err) || ctx.Err() != nil {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		r.logger.Warn("transient storage failure, retrying",
			"op", name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrUnavailable, name, retryAttempts, err)
}

func (r *retrying) EnsureSchema(ctx context.Context) error {
	return r.retry(ctx, "ensure_schema", func() error { return r.inner.EnsureSchema(ctx) })
}

func (r *retrying) Create(ctx context.Context, rec Record) error {
	return r.retry(ctx, "create", func() error { return r.inner.Create(ctx, rec) })
}

func (r *retrying) Get(ctx context.Context, threadID string) (Record, error) {
	var rec Record
	err := r.retry(ctx, "get", func() error {
		var opErr error
		rec, opErr = r.inner.Get(ctx, threadID)
		return opErr
	})
	return rec, err
}

func (r *retrying) Update(ctx context.Context, threadID string, mut Mutation) error {
	return r.retry(ctx, "update", func() error { return r.inner.Update(ctx, threadID, mut) })
}

func (r *retrying) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	var out []Summary
	err := r.retry(ctx, "list", func() error {
		var opErr error
		out, opErr = r.inner.List(ctx, ownerUserID)
		return opErr
	})
	return out, err
}

func (r *retrying) Delete(ctx context.Context, threadID string) error {
	return r.retry(ctx, "delete", func() error { return r.inner.Delete(ctx, threadID) })
}

// Cleanup is not retried as a whole: the inner implementation deletes one
// record at a time, so a partial run already deleted real records and a
// blind rerun is the caller's choice, not the adapter's.
func (r *retrying) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := r.inner.Cleanup(ctx, olderThan)
	if err != nil && !IsDefinitive(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return n, fmt.Errorf("%w: cleanup: %v", ErrUnavailable, err)
	}
	return n, err
}

func (r *retrying) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func (r *retrying) Close() error {
	return r.inner.Close()
}
