// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input (key, date, counters). It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// RetryableError wraps a transient store or network failure. Callers retry
// it under the shared backoff policy.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ConflictError marks a diverged key. It is not a failure: callers route it
// to resolution (MergeRecords) instead of dropping it.
type ConflictError struct {
	Key RecordKey
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s", e.Key)
}

// ReplayExhaustedError reports an outbox entry that exceeded its retry
// budget and was moved to the dead-letter list.
type ReplayExhaustedError struct {
	EntryID  string
	Attempts int
	LastErr  error
}

func (e *ReplayExhaustedError) Error() string {
	return fmt.Sprintf("outbox entry %s exhausted after %d attempts: %v", e.EntryID, e.Attempts, e.LastErr)
}

func (e *ReplayExhaustedError) Unwrap() error { return e.LastErr }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
