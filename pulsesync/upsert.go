// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertOutcome reports what one idempotent upsert did to the store.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

// errConcurrentInsert signals that another writer created the row between
// our read and our insert; the retry takes the locked-merge path.
var errConcurrentInsert = errors.New("concurrent insert on key")

// UpsertRecord applies one observation atomically: insert when the key is
// absent, otherwise read-merge-write under a row lock. Applying the same
// logical observation once or many times yields identical final state.
// Malformed records fail with ValidationError and are never retried;
// transient store failures are retried internally under the shared backoff
// policy and surface as RetryableError once the budget is spent.
func (s *SyncService) UpsertRecord(ctx context.Context, rec VideoDailyRecord) (UpsertOutcome, error) {
	if err := s.checkClosed(); err != nil {
		return OutcomeUnchanged, err
	}
	if err := rec.Validate(); err != nil {
		return OutcomeUnchanged, err
	}

	start := s.stageStart()
	var outcome UpsertOutcome
	err := s.config.Backoff.Retry(ctx, s.logger, "upsert", func() error {
		var err error
		outcome, err = s.upsertOnce(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, errConcurrentInsert) || isRetryablePGTxError(err) || isUniqueViolation(err) {
			return &RetryableError{Op: "upsert " + rec.Key().String(), Err: err}
		}
		return err
	})
	s.observeStage(ctx, MetricsOpUpsert, MetricsStageTotal, start, 1, err != nil)
	return outcome, err
}

func (s *SyncService) upsertOnce(ctx context.Context, rec VideoDailyRecord) (UpsertOutcome, error) {
	outcome := OutcomeUnchanged
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		existing, found, err := s.readRecordForUpdate(ctx, tx, rec.Key())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !found {
			merged := MergeRecords(nil, rec)
			if merged.CreatedAt.IsZero() {
				merged.CreatedAt = now
			}
			if merged.UpdatedAt.IsZero() {
				merged.UpdatedAt = now
			}
			inserted, err := s.insertRecordInTx(ctx, tx, merged)
			if err != nil {
				return err
			}
			if !inserted {
				// Raced with another writer on the same key. The retry will
				// find the row and merge into it.
				return errConcurrentInsert
			}
			if err := s.writeStatsInTx(ctx, tx, merged); err != nil {
				return err
			}
			outcome = OutcomeInserted
			return nil
		}

		merged := MergeRecords(&existing, rec)
		if ContentHash(&merged) == ContentHash(&existing) {
			// Idempotent re-application - nothing to write.
			outcome = OutcomeUnchanged
			return nil
		}
		// Content changed: advance updated_at so incremental downloads pick
		// the row up past any previously persisted watermark.
		merged.UpdatedAt = now
		if err := s.updateRecordInTx(ctx, tx, merged); err != nil {
			return err
		}
		if err := s.writeStatsInTx(ctx, tx, merged); err != nil {
			return err
		}
		outcome = OutcomeUpdated
		return nil
	})
	if err != nil {
		return OutcomeUnchanged, err
	}
	return outcome, nil
}

// UpsertRecords applies a batch with per-key failure isolation: one bad
// record never aborts the rest. Returned failures carry retryability so
// callers can re-send only what may still succeed.
func (s *SyncService) UpsertRecords(ctx context.Context, records []VideoDailyRecord) (inserted, updated int, failures []OperationFailure) {
	for i := range records {
		rec := records[i]
		outcome, err := s.UpsertRecord(ctx, rec)
		if err != nil {
			reason := ReasonStoreError
			if IsValidation(err) {
				reason = ReasonBadPayload
			}
			failures = append(failures, OperationFailure{
				RecordKey: rec.Key().String(),
				Reason:    reason,
				Message:   err.Error(),
				Retryable: IsRetryable(err),
			})
			s.logger.Warn("Upsert failed", "key", rec.Key(), "error", err)
			continue
		}
		switch outcome {
		case OutcomeInserted:
			inserted++
		case OutcomeUpdated:
			updated++
		}
	}
	return inserted, updated, failures
}

const recordColumns = `item_id, day_key, channel_id, channel_name, title, description,
		view_count, like_count, upload_timestamp, observed_at, thumbnail_url,
		category, sub_category, status, source_origin, created_at, updated_at`

func (s *SyncService) readRecordForUpdate(ctx context.Context, tx pgx.Tx, key RecordKey) (VideoDailyRecord, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM pulse.video_daily_records
		WHERE item_id = $1 AND day_key = $2
		FOR UPDATE`, key.ItemID, key.DayKey)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return VideoDailyRecord{}, false, nil
	}
	if err != nil {
		return VideoDailyRecord{}, false, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *SyncService) insertRecordInTx(ctx context.Context, tx pgx.Tx, rec VideoDailyRecord) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO pulse.video_daily_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (item_id, day_key) DO NOTHING`,
		recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert record %s: %w", rec.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *SyncService) updateRecordInTx(ctx context.Context, tx pgx.Tx, rec VideoDailyRecord) error {
	_, err := tx.Exec(ctx, `
		UPDATE pulse.video_daily_records SET
			channel_id = $3, channel_name = $4, title = $5, description = $6,
			view_count = $7, like_count = $8, upload_timestamp = $9, observed_at = $10,
			thumbnail_url = $11, category = $12, sub_category = $13, status = $14,
			source_origin = $15, created_at = $16, updated_at = $17
		WHERE item_id = $1 AND day_key = $2`,
		recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.Key(), err)
	}
	return nil
}

// writeStatsInTx keeps the denormalized daily stats mirror in lockstep with
// the record table. Called with the record row lock held, so a plain
// DO UPDATE cannot lose a concurrent increment.
func (s *SyncService) writeStatsInTx(ctx context.Context, tx pgx.Tx, rec VideoDailyRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO pulse.video_daily_stats
			(item_id, day_key, channel_id, view_count, like_count, category, observed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (item_id, day_key) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			view_count = EXCLUDED.view_count,
			like_count = EXCLUDED.like_count,
			category = EXCLUDED.category,
			observed_at = EXCLUDED.observed_at,
			updated_at = EXCLUDED.updated_at`,
		rec.ItemID, rec.DayKey, rec.ChannelID, rec.ViewCount, rec.LikeCount,
		rec.Category, nullableTime(rec.ObservedAt), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write stats mirror %s: %w", rec.Key(), err)
	}
	return nil
}

func recordArgs(rec VideoDailyRecord) []any {
	return []any{
		rec.ItemID, rec.DayKey, rec.ChannelID, rec.ChannelName, rec.Title, rec.Description,
		rec.ViewCount, rec.LikeCount, nullableTime(rec.UploadTimestamp), nullableTime(rec.ObservedAt),
		rec.ThumbnailURL, rec.Category, rec.SubCategory, rec.Status, rec.SourceOrigin,
		rec.CreatedAt, rec.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (VideoDailyRecord, error) {
	var rec VideoDailyRecord
	var uploadTS, observedAt *time.Time
	err := row.Scan(
		&rec.ItemID, &rec.DayKey, &rec.ChannelID, &rec.ChannelName, &rec.Title, &rec.Description,
		&rec.ViewCount, &rec.LikeCount, &uploadTS, &observedAt, &rec.ThumbnailURL,
		&rec.Category, &rec.SubCategory, &rec.Status, &rec.SourceOrigin,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	if uploadTS != nil {
		rec.UploadTimestamp = *uploadTS
	}
	if observedAt != nil {
		rec.ObservedAt = *observedAt
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
