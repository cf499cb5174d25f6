// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// downloadCursor is a keyset position on (updated_at, item_id, day_key).
// Offset paging would skip or duplicate rows while writers advance
// updated_at underneath the paging session.
type downloadCursor struct {
	UpdatedAt time.Time
	ItemID    string
	DayKey    string
}

func encodeCursor(c downloadCursor) string {
	raw := c.UpdatedAt.UTC().Format(time.RFC3339Nano) + keySeparator + c.ItemID + keySeparator + c.DayKey
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (downloadCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return downloadCursor{}, &ValidationError{Field: "after_key", Value: s, Reason: "not a cursor"}
	}
	parts := strings.SplitN(string(raw), keySeparator, 3)
	if len(parts) != 3 {
		return downloadCursor{}, &ValidationError{Field: "after_key", Value: s, Reason: "not a cursor"}
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return downloadCursor{}, &ValidationError{Field: "after_key", Value: s, Reason: "bad cursor timestamp"}
	}
	return downloadCursor{UpdatedAt: ts, ItemID: parts[1], DayKey: parts[2]}, nil
}

// Download returns one page of records changed at or after since, resuming
// from afterKey when the client is paging. Pages are bounded; no unbounded
// in-memory buffering.
func (s *SyncService) Download(ctx context.Context, since time.Time, afterKey string, limit int) (*DownloadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.config.DownloadPageSize {
		limit = s.config.DownloadPageSize
	}

	query := `
		SELECT ` + recordColumns + `
		FROM pulse.video_daily_records
		WHERE updated_at >= $1`
	args := []any{since.UTC()}

	if afterKey != "" {
		cursor, err := decodeCursor(afterKey)
		if err != nil {
			return nil, err
		}
		query += ` AND (updated_at, item_id, day_key) > ($2, $3, $4)`
		args = append(args, cursor.UpdatedAt, cursor.ItemID, cursor.DayKey)
	}
	query += fmt.Sprintf(` ORDER BY updated_at, item_id, day_key LIMIT $%d`, len(args)+1)
	args = append(args, limit+1) // one extra row decides has_more

	fetchStart := s.stageStart()
	rows, err := s.pool.Query(ctx, query, args...)
	defer func() {
		s.observeStage(ctx, MetricsOpDownload, MetricsStageDownloadFetch, fetchStart, limit, err != nil)
	}()
	if err != nil {
		return nil, &RetryableError{Op: "download", Err: err}
	}
	defer rows.Close()

	records := make([]VideoDailyRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &RetryableError{Op: "download", Err: err}
	}

	resp := &DownloadResponse{ServerTime: time.Now().UTC()}
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		resp.HasMore = true
		resp.NextKey = encodeCursor(downloadCursor{UpdatedAt: last.UpdatedAt, ItemID: last.ItemID, DayKey: last.DayKey})
	}
	resp.Records = records

	s.logger.Debug("Processed download page", "since", since, "returned", len(records), "has_more", resp.HasMore)
	return resp, nil
}
