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

// Stage timings for the upload path must fire even when the operation fails
// before touching the store.
func TestProcessUpload_ObservesDecodeStage(t *testing.T) {
	var seen []StageTiming
	svc := &SyncService{
		config: &ServiceConfig{
			StageMetrics: StageMetricsRecorderFunc(func(ctx context.Context, timing StageTiming) {
				seen = append(seen, timing)
			}),
		},
		logger: slog.Default(),
		loc:    time.UTC,
	}

	req := &UploadRequest{
		SourceID: "source-1",
		Operations: []OutboxOperation{
			{ID: "op-1", Operation: OpCreate, RecordKey: "vid-1|2025-01-15", Payload: json.RawMessage(`{"broken`)},
		},
	}
	resp, err := svc.ProcessUpload(context.Background(), "user", "source-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Reason != ReasonBadPayload {
		t.Fatalf("expected one bad_payload failure, got %+v", resp.Failed)
	}

	var decode, total bool
	for _, timing := range seen {
		if timing.Operation != MetricsOpUpload {
			t.Fatalf("unexpected operation %q", timing.Operation)
		}
		switch timing.Stage {
		case MetricsStageUploadDecode:
			decode = true
			if !timing.Error {
				t.Error("decode stage of a broken payload should report an error")
			}
		case MetricsStageTotal:
			total = true
		}
	}
	if !decode || !total {
		t.Fatalf("missing stages: decode=%v total=%v (%+v)", decode, total, seen)
	}
}

func TestStageMetricsDisabledByDefault(t *testing.T) {
	svc := &SyncService{
		config: &ServiceConfig{},
		logger: slog.Default(),
		loc:    time.UTC,
	}
	if !svc.stageStart().IsZero() {
		t.Error("stage timing should be off when no recorder or logging is configured")
	}
}
