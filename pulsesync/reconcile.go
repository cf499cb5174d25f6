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

// reconcileLockID is the advisory lock key guarding the reconciliation job.
// Two concurrent passes could double-delete rows, so the job is single-flight.
const reconcileLockID int64 = 0x70756c7265636f6e // "pulrecon"

// ErrReconcileRunning is returned when another reconciliation pass holds the
// single-flight lock.
var ErrReconcileRunning = errors.New("reconciliation job already running")

// Reconcile collapses pre-existing duplicate rows back into the uniqueness
// invariant: rows written before the (item_id, day_key) constraint existed,
// or rows whose legacy day keys normalize to the same canonical key. Within
// each group the merge function is left-folded across all rows - order
// independent - then the reduced row is written and the rest deleted in one
// transaction per group. A failed group is counted and skipped, never
// aborting the whole pass.
func (s *SyncService) Reconcile(ctx context.Context, req *ReconcileRequest) (*ReconcileReport, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil {
		req = &ReconcileRequest{}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &RetryableError{Op: "reconcile", Err: err}
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, reconcileLockID).Scan(&locked); err != nil {
		return nil, &RetryableError{Op: "reconcile", Err: err}
	}
	if !locked {
		return nil, ErrReconcileRunning
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, reconcileLockID)
	}()

	report := &ReconcileReport{}
	start := time.Now()

	// Stream one item at a time so memory stays bounded by the rows of a
	// single item, not the table.
	scanStart := s.stageStart()
	itemIDs, err := s.listItemIDs(ctx, conn.Conn(), req)
	s.observeStage(ctx, MetricsOpReconcile, MetricsStageReconcileScan, scanStart, len(itemIDs), err != nil)
	if err != nil {
		return nil, err
	}

	repairStart := s.stageStart()
	defer func() {
		s.observeStage(ctx, MetricsOpReconcile, MetricsStageReconcileRepair, repairStart, report.GroupsProcessed, report.Failed > 0)
	}()

	for _, itemID := range itemIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.reconcileItem(ctx, itemID, req.DayKey, report); err != nil {
			report.Failed++
			s.logger.Warn("Reconciliation failed for item", "item_id", itemID, "error", err)
		}
	}

	s.logger.Info("Reconciliation pass complete",
		"groups", report.GroupsProcessed, "kept", report.RowsKept,
		"removed", report.RowsRemoved, "failed", report.Failed,
		"duration", time.Since(start))
	return report, nil
}

func (s *SyncService) listItemIDs(ctx context.Context, conn *pgx.Conn, req *ReconcileRequest) ([]string, error) {
	query := `SELECT DISTINCT item_id FROM pulse.video_daily_records`
	args := []any{}
	if req.ItemID != "" {
		query += ` WHERE item_id = $1`
		args = append(args, req.ItemID)
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, &RetryableError{Op: "reconcile scan", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type reconcileRow struct {
	rec  VideoDailyRecord
	ctid string
}

// reconcileItem repairs all duplicate groups of one item in one transaction.
// Row identity is ctid because legacy tables may predate the key constraint.
func (s *SyncService) reconcileItem(ctx context.Context, itemID, dayKeyFilter string, report *ReconcileReport) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+recordColumns+`, ctid::text
			FROM pulse.video_daily_records
			WHERE item_id = $1
			FOR UPDATE`, itemID)
		if err != nil {
			return err
		}

		groups := make(map[string][]reconcileRow)
		for rows.Next() {
			var rr reconcileRow
			var uploadTS, observedAt *time.Time
			if err := rows.Scan(
				&rr.rec.ItemID, &rr.rec.DayKey, &rr.rec.ChannelID, &rr.rec.ChannelName,
				&rr.rec.Title, &rr.rec.Description, &rr.rec.ViewCount, &rr.rec.LikeCount,
				&uploadTS, &observedAt, &rr.rec.ThumbnailURL, &rr.rec.Category,
				&rr.rec.SubCategory, &rr.rec.Status, &rr.rec.SourceOrigin,
				&rr.rec.CreatedAt, &rr.rec.UpdatedAt, &rr.ctid,
			); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan record row: %w", err)
			}
			if uploadTS != nil {
				rr.rec.UploadTimestamp = *uploadTS
			}
			if observedAt != nil {
				rr.rec.ObservedAt = *observedAt
			}

			canonical, err := NormalizeDayKey(rr.rec.DayKey, s.loc)
			if err != nil {
				// Unparseable legacy day key: leave the row alone and let an
				// operator look at it.
				s.logger.Warn("Skipping row with unparseable day key",
					"item_id", rr.rec.ItemID, "day_key", rr.rec.DayKey)
				continue
			}
			if dayKeyFilter != "" && canonical != dayKeyFilter {
				continue
			}
			groups[canonical] = append(groups[canonical], rr)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for canonical, group := range groups {
			needsRepair := len(group) > 1 || group[0].rec.DayKey != canonical
			if !needsRepair {
				continue
			}

			records := make([]VideoDailyRecord, 0, len(group))
			ctids := make([]string, 0, len(group))
			for _, rr := range group {
				rec := rr.rec
				rec.DayKey = canonical
				records = append(records, rec)
				ctids = append(ctids, rr.ctid)
			}
			merged, _ := FoldRecords(records)
			merged.DayKey = canonical

			if _, err := tx.Exec(ctx, `
				DELETE FROM pulse.video_daily_records WHERE ctid = ANY($1::tid[])`, ctids); err != nil {
				return fmt.Errorf("failed to delete duplicate rows for %s: %w", merged.Key(), err)
			}
			// Plain insert: every row of this canonical key was just removed,
			// and legacy tables may not carry the unique constraint yet.
			if _, err := tx.Exec(ctx, `
				INSERT INTO pulse.video_daily_records (`+recordColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
				recordArgs(merged)...); err != nil {
				return fmt.Errorf("failed to write reconciled row for %s: %w", merged.Key(), err)
			}
			if err := s.writeStatsInTx(ctx, tx, merged); err != nil {
				return err
			}

			report.GroupsProcessed++
			report.RowsKept++
			report.RowsRemoved += len(group) - 1
		}
		return nil
	})
}
