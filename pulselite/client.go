// Package pulselite is the offline-capable local replica for youtubepulse
// synchronization: a SQLite store keyed by (item_id, day_key), a durable
// outbox of not-yet-confirmed local mutations, and the two-way sync
// orchestrator that reconciles the replica against the server of record.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulselite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zoo2538/youtubepulse-sub002/pulsesync"
)

// Client manages the local SQLite replica and two-way sync operations.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns a bearer token
	SourceID string
	UserID   string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // serialize writes to avoid SQLite locking issues

	syncActive int32 // single-flight guard for RunSync
}

// Config holds configuration for the local replica client.
type Config struct {
	UploadLimit   int            // outbox entries per upload batch
	DownloadLimit int            // records per download page
	BackoffMin    time.Duration  // e.g. 1s
	BackoffMax    time.Duration  // e.g. 60s
	MaxRetries    int            // outbox retry budget before dead-letter
	Location      *time.Location // day-key partition timezone
}

// DefaultConfig returns the standard replica configuration.
func DefaultConfig(loc *time.Location) *Config {
	if loc == nil {
		loc = time.UTC
	}
	return &Config{
		UploadLimit:   200,
		DownloadLimit: 500,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		MaxRetries:    5,
		Location:      loc,
	}
}

func (c *Config) backoff() pulsesync.BackoffPolicy {
	return pulsesync.BackoffPolicy{Min: c.BackoffMin, Max: c.BackoffMax, MaxAttempts: 3}
}

// NewClient creates a local replica client and initializes the replica
// layout (record table, outbox, dead-letter list and sync state).
func NewClient(db *sql.DB, baseURL, userID, sourceID string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		SourceID: sourceID,
		UserID:   userID,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   config,
		logger:   logger,
	}

	if err := client.ensureState(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureSourceID generates and persists a source ID if not already present.
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", err
	}
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_state WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_state (user_id, source_id, next_client_version)
			VALUES (?, ?, 1)
		`, userID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert sync state: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query sync state: %w", err)
	}
	return sourceID, nil
}

// initializeDatabase creates the replica metadata tables.
func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked while the orchestrator writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Local replica of the record table, same composite key as the server
		`CREATE TABLE IF NOT EXISTS video_daily_local (
			item_id          TEXT NOT NULL,
			day_key          TEXT NOT NULL,
			channel_id       TEXT NOT NULL DEFAULT '',
			channel_name     TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			view_count       INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0),
			like_count       INTEGER NOT NULL DEFAULT 0 CHECK (like_count >= 0),
			upload_timestamp TEXT NOT NULL DEFAULT '',
			observed_at      TEXT NOT NULL DEFAULT '',
			thumbnail_url    TEXT NOT NULL DEFAULT '',
			category         TEXT NOT NULL DEFAULT '',
			sub_category     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'unclassified'
				CHECK (status IN ('unclassified','classified')),
			source_origin    TEXT NOT NULL DEFAULT 'collector'
				CHECK (source_origin IN ('collector','manual')),
			created_at       TEXT NOT NULL DEFAULT '',
			updated_at       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (item_id, day_key)
		)`,

		// Secondary index for point lookups during merge
		`CREATE INDEX IF NOT EXISTS idx_video_daily_local_item
			ON video_daily_local (item_id)`,

		// Durable queue of local mutations awaiting replay
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			id              TEXT PRIMARY KEY,
			operation       TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			target_table    TEXT NOT NULL DEFAULT 'video_daily_records',
			record_key      TEXT NOT NULL,
			payload         TEXT,
			client_version  INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','processing','completed','failed')),
			retry_count     INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Dispatch order: same-key entries go out sorted by client_version
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_dispatch
			ON _sync_outbox (status, record_key, client_version)`,

		// Operator-visible parking lot for entries over the retry budget
		`CREATE TABLE IF NOT EXISTS _sync_dead_letter (
			id             TEXT PRIMARY KEY,
			operation      TEXT NOT NULL,
			target_table   TEXT NOT NULL,
			record_key     TEXT NOT NULL,
			payload        TEXT,
			client_version INTEGER NOT NULL,
			retry_count    INTEGER NOT NULL,
			last_error     TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			dead_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Per-user sync state (one signed-in user per replica file)
		`CREATE TABLE IF NOT EXISTS _sync_state (
			user_id             TEXT NOT NULL,
			source_id           TEXT NOT NULL,
			last_sync_at        TEXT NOT NULL DEFAULT '',
			last_failed_stage   TEXT NOT NULL DEFAULT '',
			next_client_version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create replica table: %w", err)
		}
	}
	return nil
}

func (c *Client) ensureState(ctx context.Context) error {
	var exists bool
	err := c.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sync_state WHERE user_id = ?)
	`, c.UserID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check sync state: %w", err)
	}
	if !exists {
		_, err = c.DB.ExecContext(ctx, `
			INSERT INTO _sync_state (user_id, source_id, next_client_version)
			VALUES (?, ?, 1)
		`, c.UserID, c.SourceID)
		if err != nil {
			return fmt.Errorf("failed to create sync state: %w", err)
		}
	}
	return nil
}

// LastSyncAt returns the persisted watermark of the last verified sync run,
// or the zero time when the replica has never completed a run.
func (c *Client) LastSyncAt(ctx context.Context) (time.Time, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_sync_at FROM _sync_state WHERE user_id = ?
	`, c.UserID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync watermark: %w", err)
	}
	return parseStoredTime(raw), nil
}

// Time columns are stored as RFC3339Nano UTC strings; '' means unset.

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// formatScheduleTime is for columns compared with <= in SQL. RFC3339Nano
// trims trailing zeros, so a whole-second timestamp would sort after a
// fractional one in the same second; the fixed-width fraction keeps
// lexicographic order equal to chronological order.
func formatScheduleTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
