// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessUpload applies a batch of outbox-shaped operations. Each operation
// is itself an idempotent upsert, so a client crash mid-replay followed by a
// full-batch retry is safe: re-applied operations report no net change.
// A failure aborts only the operation being processed, never the batch.
func (s *SyncService) ProcessUpload(ctx context.Context, userID, sourceID string, req *UploadRequest) (*UploadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	resp := &UploadResponse{Accepted: true, Failed: []OperationFailure{}}
	if len(req.Operations) == 0 {
		return resp, nil
	}

	totalStart := s.stageStart()
	defer func() {
		s.observeStage(ctx, MetricsOpUpload, MetricsStageTotal, totalStart, len(req.Operations), false)
	}()

	// Enforce the batch size cap up front; the whole batch is rejected so
	// clients do not drop the tail as applied.
	if s.config.MaxUploadBatchSize > 0 && len(req.Operations) > s.config.MaxUploadBatchSize {
		resp.Accepted = false
		msg := fmt.Sprintf("batch too large: operations=%d limit=%d", len(req.Operations), s.config.MaxUploadBatchSize)
		for _, op := range req.Operations {
			resp.Failed = append(resp.Failed, OperationFailure{
				ID: op.ID, RecordKey: op.RecordKey,
				Reason: ReasonBatchTooLarge, Message: msg, Retryable: false,
			})
		}
		return resp, nil
	}

	for i := range req.Operations {
		op := &req.Operations[i]
		if failure, ok := s.applyOperation(ctx, op, resp); !ok {
			resp.Failed = append(resp.Failed, failure)
		}
	}

	s.logger.Info("Processed upload batch",
		"user_id", userID, "source_id", sourceID,
		"operations", len(req.Operations),
		"inserted", resp.Inserted, "updated", resp.Updated, "failed", len(resp.Failed))
	return resp, nil
}

func (s *SyncService) applyOperation(ctx context.Context, op *OutboxOperation, resp *UploadResponse) (OperationFailure, bool) {
	fail := func(reason, message string, retryable bool) (OperationFailure, bool) {
		return OperationFailure{
			ID: op.ID, RecordKey: op.RecordKey,
			Reason: reason, Message: message, Retryable: retryable,
		}, false
	}

	switch op.Operation {
	case OpCreate, OpUpdate:
		decodeStart := s.stageStart()
		rec, err := DecodeRecord(op.Payload, s.loc)
		s.observeStage(ctx, MetricsOpUpload, MetricsStageUploadDecode, decodeStart, 1, err != nil)
		if err != nil {
			return fail(ReasonBadPayload, err.Error(), false)
		}
		// The record key wins over loosely-shaped payload fields.
		if op.RecordKey != "" {
			key, err := ParseRecordKey(op.RecordKey)
			if err != nil {
				return fail(ReasonBadKey, err.Error(), false)
			}
			rec.ItemID, rec.DayKey = key.ItemID, key.DayKey
		}
		applyStart := s.stageStart()
		outcome, err := s.UpsertRecord(ctx, rec)
		s.observeStage(ctx, MetricsOpUpload, MetricsStageUploadApply, applyStart, 1, err != nil)
		if err != nil {
			if IsValidation(err) {
				return fail(ReasonBadPayload, err.Error(), false)
			}
			return fail(ReasonStoreError, err.Error(), IsRetryable(err))
		}
		switch outcome {
		case OutcomeInserted:
			resp.Inserted++
		case OutcomeUpdated:
			resp.Updated++
		}
		return OperationFailure{}, true

	case OpDelete:
		key, err := ParseRecordKey(op.RecordKey)
		if err != nil {
			return fail(ReasonBadKey, err.Error(), false)
		}
		if err := s.deleteRecord(ctx, key); err != nil {
			return fail(ReasonStoreError, err.Error(), IsRetryable(err))
		}
		return OperationFailure{}, true

	default:
		return fail(ReasonBadOperation, fmt.Sprintf("unknown operation %q", op.Operation), false)
	}
}

// deleteRecord removes a key from both mirrored tables atomically. Deleting
// an absent key is a no-op, which keeps delete replay idempotent.
func (s *SyncService) deleteRecord(ctx context.Context, key RecordKey) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM pulse.video_daily_records WHERE item_id = $1 AND day_key = $2`,
			key.ItemID, key.DayKey); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM pulse.video_daily_stats WHERE item_id = $1 AND day_key = $2`,
			key.ItemID, key.DayKey); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isRetryablePGTxError(err) {
			return &RetryableError{Op: "delete " + key.String(), Err: err}
		}
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}
