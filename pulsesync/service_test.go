// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

// Ensure batch size overflow responds with batch_too_large and rejects the batch.
func TestProcessUpload_BatchTooLargeIsRejected(t *testing.T) {
	svc := &SyncService{
		config: &ServiceConfig{
			MaxUploadBatchSize: 1,
		},
		logger: slog.Default(),
		loc:    time.UTC,
	}

	req := &UploadRequest{
		SourceID: "source-1",
		Operations: []OutboxOperation{
			{ID: "op-1", Operation: OpCreate, RecordKey: "vid-1|2025-01-15", Payload: json.RawMessage(`{}`)},
			{ID: "op-2", Operation: OpCreate, RecordKey: "vid-2|2025-01-15", Payload: json.RawMessage(`{}`)},
		},
	}

	resp, err := svc.ProcessUpload(context.Background(), "user", "source-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Accepted {
		t.Fatalf("expected batch to be rejected when over limit")
	}
	if len(resp.Failed) != 2 {
		t.Fatalf("expected every operation reported failed, got %d", len(resp.Failed))
	}
	for _, f := range resp.Failed {
		if f.Reason != ReasonBatchTooLarge {
			t.Fatalf("expected reason %s, got %s", ReasonBatchTooLarge, f.Reason)
		}
		if f.Retryable {
			t.Fatalf("batch_too_large must not be marked retryable")
		}
	}
}

func TestProcessUpload_EmptyBatch(t *testing.T) {
	svc := &SyncService{
		config: &ServiceConfig{MaxUploadBatchSize: 100},
		logger: slog.Default(),
		loc:    time.UTC,
	}
	resp, err := svc.ProcessUpload(context.Background(), "user", "source-1", &UploadRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Accepted || len(resp.Failed) != 0 {
		t.Fatalf("empty batch should be accepted as a no-op: %+v", resp)
	}
}

func TestProcessUpload_UnknownOperationFailsOnlyItself(t *testing.T) {
	svc := &SyncService{
		config: &ServiceConfig{MaxUploadBatchSize: 100},
		logger: slog.Default(),
		loc:    time.UTC,
	}
	req := &UploadRequest{
		Operations: []OutboxOperation{
			{ID: "op-1", Operation: "upsert", RecordKey: "vid-1|2025-01-15"},
		},
	}
	resp, err := svc.ProcessUpload(context.Background(), "user", "source-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("a bad operation must not reject the batch")
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Reason != ReasonBadOperation {
		t.Fatalf("unexpected failures: %+v", resp.Failed)
	}
}

func TestDownloadCursor_RoundTrip(t *testing.T) {
	cursor := downloadCursor{
		UpdatedAt: time.Date(2025, 1, 15, 12, 30, 45, 123456789, time.UTC),
		ItemID:    "vid-1",
		DayKey:    "2025-01-15",
	}
	decoded, err := decodeCursor(encodeCursor(cursor))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.UpdatedAt.Equal(cursor.UpdatedAt) || decoded.ItemID != cursor.ItemID || decoded.DayKey != cursor.DayKey {
		t.Errorf("cursor round trip mismatch: %+v vs %+v", decoded, cursor)
	}
}

func TestDownloadCursor_RejectsGarbage(t *testing.T) {
	for _, s := range []string{"not base64!!", "aGVsbG8", ""} {
		if _, err := decodeCursor(s); err == nil {
			t.Errorf("decodeCursor(%q) should fail", s)
		}
	}
}

func TestParseRecordKey(t *testing.T) {
	key, err := ParseRecordKey("vid-1|2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ItemID != "vid-1" || key.DayKey != "2025-01-15" {
		t.Errorf("parsed key = %+v", key)
	}
	if key.String() != "vid-1|2025-01-15" {
		t.Errorf("String() = %q", key.String())
	}

	for _, s := range []string{"", "vid-1", "|2025-01-15", "vid-1|", "vid-1|Jan 15"} {
		if _, err := ParseRecordKey(s); err == nil {
			t.Errorf("ParseRecordKey(%q) should fail", s)
		}
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Min: time.Second, Max: 8 * time.Second, MaxAttempts: 10}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffPolicy_RetryStopsOnValidation(t *testing.T) {
	p := BackoffPolicy{Min: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := p.Retry(context.Background(), slog.Default(), "op", func() error {
		calls++
		return &ValidationError{Field: "day_key", Reason: "bad"}
	})
	if calls != 1 {
		t.Errorf("validation error retried %d times, want 1 call", calls)
	}
	if !IsValidation(err) {
		t.Errorf("error kind lost in retry: %v", err)
	}
}

func TestBackoffPolicy_RetryExhaustsRetryable(t *testing.T) {
	p := BackoffPolicy{Min: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := p.Retry(context.Background(), slog.Default(), "op", func() error {
		calls++
		return &RetryableError{Op: "op", Err: context.DeadlineExceeded}
	})
	if calls != 3 {
		t.Errorf("retryable error tried %d times, want 3", calls)
	}
	if err == nil {
		t.Error("exhausted retries should surface the last error")
	}
}
