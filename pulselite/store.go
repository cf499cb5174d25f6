// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulselite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zoo2538/youtubepulse-sub002/pulsesync"
)

const localColumns = `item_id, day_key, channel_id, channel_name, title, description,
		view_count, like_count, upload_timestamp, observed_at, thumbnail_url,
		category, sub_category, status, source_origin, created_at, updated_at`

// SaveLocal applies one local mutation: the observation is merged into the
// replica and the merged result is queued to the outbox for replay. Used for
// manual edits and for collector observations taken while disconnected.
func (c *Client) SaveLocal(ctx context.Context, rec pulsesync.VideoDailyRecord) (pulsesync.VideoDailyRecord, error) {
	if err := rec.Validate(); err != nil {
		return pulsesync.VideoDailyRecord{}, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var merged pulsesync.VideoDailyRecord
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := getLocalInTx(ctx, tx, rec.Key())
		if err != nil {
			return err
		}

		op := pulsesync.OpCreate
		if found {
			op = pulsesync.OpUpdate
			merged = pulsesync.MergeRecords(&existing, rec)
		} else {
			merged = pulsesync.MergeRecords(nil, rec)
		}
		now := nowUTC()
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = now
		}
		if found && pulsesync.ContentHash(&merged) == pulsesync.ContentHash(&existing) {
			// Re-applying a mutation the replica already holds: nothing to
			// write and nothing to queue.
			return nil
		}
		merged.UpdatedAt = now

		if err := writeLocalInTx(ctx, tx, merged); err != nil {
			return err
		}
		payload, err := pulsesync.EncodeRecord(merged)
		if err != nil {
			return err
		}
		return c.enqueueInTx(ctx, tx, op, merged.Key().String(), payload)
	})
	if err != nil {
		return pulsesync.VideoDailyRecord{}, err
	}
	return merged, nil
}

// DeleteLocal removes a key from the replica and queues the deletion.
func (c *Client) DeleteLocal(ctx context.Context, key pulsesync.RecordKey) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM video_daily_local WHERE item_id = ? AND day_key = ?`,
			key.ItemID, key.DayKey)
		if err != nil {
			return fmt.Errorf("failed to delete local record %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // nothing existed, nothing to replay
		}
		return c.enqueueInTx(ctx, tx, pulsesync.OpDelete, key.String(), nil)
	})
}

// ApplyRemote merges a downloaded server record into the replica without
// queueing an outbox entry; the server already holds this state.
func (c *Client) ApplyRemote(ctx context.Context, rec pulsesync.VideoDailyRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.applyRemoteLocked(ctx, rec)
}

func (c *Client) applyRemoteLocked(ctx context.Context, rec pulsesync.VideoDailyRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return c.inTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := getLocalInTx(ctx, tx, rec.Key())
		if err != nil {
			return err
		}
		var merged pulsesync.VideoDailyRecord
		if found {
			merged = pulsesync.MergeRecords(&existing, rec)
			if pulsesync.ContentHash(&merged) == pulsesync.ContentHash(&existing) {
				return nil
			}
		} else {
			merged = pulsesync.MergeRecords(nil, rec)
			if merged.CreatedAt.IsZero() {
				merged.CreatedAt = nowUTC()
			}
		}
		if merged.UpdatedAt.IsZero() {
			merged.UpdatedAt = nowUTC()
		}
		return writeLocalInTx(ctx, tx, merged)
	})
}

// GetLocal returns one record by key.
func (c *Client) GetLocal(ctx context.Context, key pulsesync.RecordKey) (pulsesync.VideoDailyRecord, bool, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+localColumns+` FROM video_daily_local
		WHERE item_id = ? AND day_key = ?`,
		key.ItemID, key.DayKey)
	rec, err := scanLocal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pulsesync.VideoDailyRecord{}, false, nil
	}
	if err != nil {
		return pulsesync.VideoDailyRecord{}, false, err
	}
	return rec, true, nil
}

// ListLocalForItem returns all days of one item via the secondary index.
func (c *Client) ListLocalForItem(ctx context.Context, itemID string) ([]pulsesync.VideoDailyRecord, error) {
	return c.queryLocal(ctx, `
		SELECT `+localColumns+` FROM video_daily_local
		WHERE item_id = ? ORDER BY day_key`, itemID)
}

// SnapshotLocal returns the full local snapshot for diffing.
func (c *Client) SnapshotLocal(ctx context.Context) ([]pulsesync.VideoDailyRecord, error) {
	return c.queryLocal(ctx, `
		SELECT `+localColumns+` FROM video_daily_local
		ORDER BY item_id, day_key`)
}

func (c *Client) queryLocal(ctx context.Context, query string, args ...any) ([]pulsesync.VideoDailyRecord, error) {
	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query local records: %w", err)
	}
	defer rows.Close()

	var records []pulsesync.VideoDailyRecord
	for rows.Next() {
		rec, err := scanLocal(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (c *Client) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func getLocalInTx(ctx context.Context, tx *sql.Tx, key pulsesync.RecordKey) (pulsesync.VideoDailyRecord, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+localColumns+` FROM video_daily_local
		WHERE item_id = ? AND day_key = ?`,
		key.ItemID, key.DayKey)
	rec, err := scanLocal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pulsesync.VideoDailyRecord{}, false, nil
	}
	if err != nil {
		return pulsesync.VideoDailyRecord{}, false, err
	}
	return rec, true, nil
}

func writeLocalInTx(ctx context.Context, tx *sql.Tx, rec pulsesync.VideoDailyRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO video_daily_local (`+localColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (item_id, day_key) DO UPDATE SET
			channel_id = excluded.channel_id,
			channel_name = excluded.channel_name,
			title = excluded.title,
			description = excluded.description,
			view_count = excluded.view_count,
			like_count = excluded.like_count,
			upload_timestamp = excluded.upload_timestamp,
			observed_at = excluded.observed_at,
			thumbnail_url = excluded.thumbnail_url,
			category = excluded.category,
			sub_category = excluded.sub_category,
			status = excluded.status,
			source_origin = excluded.source_origin,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.ItemID, rec.DayKey, rec.ChannelID, rec.ChannelName, rec.Title, rec.Description,
		rec.ViewCount, rec.LikeCount, formatStoredTime(rec.UploadTimestamp), formatStoredTime(rec.ObservedAt),
		rec.ThumbnailURL, rec.Category, rec.SubCategory, rec.Status, rec.SourceOrigin,
		formatStoredTime(rec.CreatedAt), formatStoredTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write local record %s: %w", rec.Key(), err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocal(row rowScanner) (pulsesync.VideoDailyRecord, error) {
	var rec pulsesync.VideoDailyRecord
	var uploadTS, observedAt, createdAt, updatedAt string
	err := row.Scan(
		&rec.ItemID, &rec.DayKey, &rec.ChannelID, &rec.ChannelName, &rec.Title, &rec.Description,
		&rec.ViewCount, &rec.LikeCount, &uploadTS, &observedAt, &rec.ThumbnailURL,
		&rec.Category, &rec.SubCategory, &rec.Status, &rec.SourceOrigin,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan local record: %w", err)
	}
	rec.UploadTimestamp = parseStoredTime(uploadTS)
	rec.ObservedAt = parseStoredTime(observedAt)
	rec.CreatedAt = parseStoredTime(createdAt)
	rec.UpdatedAt = parseStoredTime(updatedAt)
	return rec, nil
}
