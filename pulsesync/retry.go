// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// BackoffPolicy is the one bounded exponential backoff shared by download,
// upload, replay and the upsert executor's internal retry.
type BackoffPolicy struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff mirrors the client defaults: 1s doubling up to 60s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Min: 1 * time.Second, Max: 60 * time.Second, MaxAttempts: 5}
}

// Delay returns the backoff before attempt n (0-based): Min doubled n times,
// capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.Min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Validation errors are never retried.
func (p BackoffPolicy) Retry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if logger != nil {
				logger.Debug("Retrying after transient failure", "op", op, "attempt", attempt, "error", err)
			}
			if serr := sleepWithContext(ctx, p.Delay(attempt-1)); serr != nil {
				return serr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
