// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the persisted layout within an existing
// transaction: the fine-grained record table and the denormalized daily
// stats mirror, both carrying the same unique (item_id, day_key) constraint.
// The upsert executor keeps the two in lockstep.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS pulse`,

		// 1) Fine-grained observation records, one row per (item_id, day_key)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pulse.video_daily_records (
			item_id          TEXT        NOT NULL,
			day_key          TEXT        NOT NULL CHECK (day_key ~ '^\d{4}-\d{2}-\d{2}$'),
			channel_id       TEXT        NOT NULL DEFAULT '',
			channel_name     TEXT        NOT NULL DEFAULT '',
			title            TEXT        NOT NULL DEFAULT '',
			description      TEXT        NOT NULL DEFAULT '',
			view_count       BIGINT      NOT NULL DEFAULT 0 CHECK (view_count >= 0),
			like_count       BIGINT      NOT NULL DEFAULT 0 CHECK (like_count >= 0),
			upload_timestamp TIMESTAMPTZ,
			observed_at      TIMESTAMPTZ,
			thumbnail_url    TEXT        NOT NULL DEFAULT '',
			category         TEXT        NOT NULL DEFAULT '',
			sub_category     TEXT        NOT NULL DEFAULT '',
			status           TEXT        NOT NULL DEFAULT 'unclassified'
				CHECK (status IN ('unclassified','classified')),
			source_origin    TEXT        NOT NULL DEFAULT 'collector'
				CHECK (source_origin IN ('collector','manual')),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (item_id, day_key)
		)`,

		// 2) Denormalized daily stats mirror used by reporting, same key
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pulse.video_daily_stats (
			item_id      TEXT        NOT NULL,
			day_key      TEXT        NOT NULL CHECK (day_key ~ '^\d{4}-\d{2}-\d{2}$'),
			channel_id   TEXT        NOT NULL DEFAULT '',
			view_count   BIGINT      NOT NULL DEFAULT 0 CHECK (view_count >= 0),
			like_count   BIGINT      NOT NULL DEFAULT 0 CHECK (like_count >= 0),
			category     TEXT        NOT NULL DEFAULT '',
			observed_at  TIMESTAMPTZ,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (item_id, day_key)
		)`,

		// Incremental download reads by updated_at with a keyset cursor
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_video_daily_records_updated_at
			ON pulse.video_daily_records (updated_at, item_id, day_key)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_video_daily_records_day_key
			ON pulse.video_daily_records (day_key)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
