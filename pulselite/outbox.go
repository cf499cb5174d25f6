// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulselite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zoo2538/youtubepulse-sub002/pulsesync"
)

// Outbox entry status values
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxCompleted  = "completed"
	OutboxFailed     = "failed"
)

// OutboxEntry is one queued local mutation awaiting replay.
type OutboxEntry struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	TargetTable   string          `json:"target_table"`
	RecordKey     string          `json:"record_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientVersion int64           `json:"client_version"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReplaySummary reports one replay pass. Counts, never an opaque pass/fail.
type ReplaySummary struct {
	Dispatched   int `json:"dispatched"`
	Completed    int `json:"completed"`
	Inserted     int `json:"inserted"` // net new rows on the server
	Updated      int `json:"updated"`  // net changed rows on the server
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// enqueueInTx appends a mutation to the outbox inside the same transaction
// as the local write, carrying the next monotonic client version.
func (c *Client) enqueueInTx(ctx context.Context, tx *sql.Tx, operation, recordKey string, payload json.RawMessage) error {
	version, err := c.nextClientVersionInTx(ctx, tx)
	if err != nil {
		return err
	}
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_outbox (id, operation, record_key, payload, client_version)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), operation, recordKey, payloadArg, version)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry for %s: %w", recordKey, err)
	}
	return nil
}

// nextClientVersionInTx advances the monotonic mutation clock. Wall time is
// folded in so versions roughly order across replicas, but the counter never
// goes backward under clock skew.
func (c *Client) nextClientVersionInTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var current int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_client_version FROM _sync_state WHERE user_id = ?
	`, c.UserID).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read client version: %w", err)
	}
	version := current
	if now := time.Now().UnixMilli(); now > version {
		version = now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_state SET next_client_version = ? WHERE user_id = ?
	`, version+1, c.UserID); err != nil {
		return 0, fmt.Errorf("failed to advance client version: %w", err)
	}
	return version, nil
}

// PendingCount returns the number of entries still awaiting replay.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_outbox WHERE status IN ('pending','failed')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// ReplayOutbox dispatches all due outbox entries to the upload endpoint in
// batches. Every entry's application is an idempotent upsert on the server,
// so a crash mid-replay followed by a full-batch retry is safe. Entries for
// different keys may land in any order; same-key entries are dispatched
// sorted by (record_key, client_version) so a newer manual edit is never
// masked by a stale replay.
func (c *Client) ReplayOutbox(ctx context.Context) (*ReplaySummary, error) {
	summary := &ReplaySummary{}
	for {
		batch, err := c.claimBatch(ctx)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			return summary, nil
		}

		resp, err := c.sendUploadBatch(ctx, batch)
		if err != nil {
			// Network-level failure: release the whole batch for a later
			// pass and surface the transient error.
			if relErr := c.releaseBatch(ctx, batch, err.Error()); relErr != nil {
				c.logger.Warn("Failed to release outbox batch", "error", relErr)
			}
			return summary, &pulsesync.RetryableError{Op: "outbox replay", Err: err}
		}

		summary.Dispatched += len(batch)
		summary.Inserted += resp.Inserted
		summary.Updated += resp.Updated

		failedByID := make(map[string]pulsesync.OperationFailure, len(resp.Failed))
		for _, f := range resp.Failed {
			failedByID[f.ID] = f
		}

		for _, entry := range batch {
			failure, failed := failedByID[entry.ID]
			if !failed {
				if err := c.completeEntry(ctx, entry.ID); err != nil {
					return summary, err
				}
				summary.Completed++
				continue
			}
			dead, err := c.failEntry(ctx, entry, failure)
			if err != nil {
				return summary, err
			}
			if dead {
				summary.DeadLettered++
			} else {
				summary.Failed++
			}
		}

		if len(batch) < c.config.UploadLimit {
			return summary, nil
		}
	}
}

// claimBatch moves the next due entries to processing and returns them.
func (c *Client) claimBatch(ctx context.Context) ([]OutboxEntry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var batch []OutboxEntry
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, operation, target_table, record_key, payload, client_version,
			       status, retry_count, next_attempt_at, last_error, created_at
			FROM _sync_outbox
			WHERE status IN ('pending','failed')
			  AND (next_attempt_at = '' OR next_attempt_at <= ?)
			ORDER BY record_key, client_version
			LIMIT ?`,
			formatScheduleTime(nowUTC()), c.config.UploadLimit)
		if err != nil {
			return fmt.Errorf("failed to query outbox: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var entry OutboxEntry
			var payload sql.NullString
			var nextAttempt, createdAt string
			if err := rows.Scan(&entry.ID, &entry.Operation, &entry.TargetTable, &entry.RecordKey,
				&payload, &entry.ClientVersion, &entry.Status, &entry.RetryCount,
				&nextAttempt, &entry.LastError, &createdAt); err != nil {
				return fmt.Errorf("failed to scan outbox entry: %w", err)
			}
			if payload.Valid {
				entry.Payload = json.RawMessage(payload.String)
			}
			entry.NextAttemptAt = parseStoredTime(nextAttempt)
			entry.CreatedAt = parseStoredTime(createdAt)
			batch = append(batch, entry)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range batch {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_outbox SET status = 'processing' WHERE id = ?`, batch[i].ID); err != nil {
				return fmt.Errorf("failed to mark entry processing: %w", err)
			}
			batch[i].Status = OutboxProcessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *Client) releaseBatch(ctx context.Context, batch []OutboxEntry, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range batch {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_outbox SET status = 'pending', last_error = ? WHERE id = ?`,
				reason, entry.ID); err != nil {
				return fmt.Errorf("failed to release entry %s: %w", entry.ID, err)
			}
		}
		return nil
	})
}

// completeEntry purges a confirmed entry.
func (c *Client) completeEntry(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM _sync_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge completed entry %s: %w", id, err)
	}
	return nil
}

// failEntry records a per-entry failure. Non-retryable failures and entries
// over the retry budget move to the dead-letter list; the rest back off
// exponentially and stay queued.
func (c *Client) failEntry(ctx context.Context, entry OutboxEntry, failure pulsesync.OperationFailure) (dead bool, err error) {
	retryCount := entry.RetryCount + 1
	exhausted := retryCount >= c.config.MaxRetries
	if !failure.Retryable || exhausted {
		replayErr := &pulsesync.ReplayExhaustedError{
			EntryID:  entry.ID,
			Attempts: retryCount,
			LastErr:  fmt.Errorf("%s: %s", failure.Reason, failure.Message),
		}
		c.logger.Warn("Moving outbox entry to dead letter",
			"id", entry.ID, "key", entry.RecordKey, "reason", failure.Reason, "attempts", retryCount)
		return true, c.deadLetterEntry(ctx, entry, retryCount, replayErr.Error())
	}

	backoff := c.config.backoff().Delay(retryCount - 1)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.DB.ExecContext(ctx, `
		UPDATE _sync_outbox
		SET status = 'failed', retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		retryCount, formatScheduleTime(nowUTC().Add(backoff)), failure.Message, entry.ID)
	if err != nil {
		return false, fmt.Errorf("failed to record entry failure %s: %w", entry.ID, err)
	}
	return false, nil
}

func (c *Client) deadLetterEntry(ctx context.Context, entry OutboxEntry, retryCount int, lastError string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var payloadArg any
		if entry.Payload != nil {
			payloadArg = string(entry.Payload)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_dead_letter
				(id, operation, target_table, record_key, payload, client_version, retry_count, last_error, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			entry.ID, entry.Operation, entry.TargetTable, entry.RecordKey, payloadArg,
			entry.ClientVersion, retryCount, lastError, formatStoredTime(entry.CreatedAt)); err != nil {
			return fmt.Errorf("failed to dead-letter entry %s: %w", entry.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_outbox WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("failed to remove dead-lettered entry %s: %w", entry.ID, err)
		}
		return nil
	})
}

// DeadLetters lists entries that exhausted their retry budget.
func (c *Client) DeadLetters(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, operation, target_table, record_key, payload, client_version, retry_count, last_error, created_at
		FROM _sync_dead_letter ORDER BY dead_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.TargetTable, &entry.RecordKey,
			&payload, &entry.ClientVersion, &entry.RetryCount, &entry.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		entry.CreatedAt = parseStoredTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RequeueDeadLetter moves one dead-lettered entry back to the outbox with a
// fresh retry budget, after an operator fixed the underlying cause.
func (c *Client) RequeueDeadLetter(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_outbox (id, operation, target_table, record_key, payload, client_version, status)
			SELECT id, operation, target_table, record_key, payload, client_version, 'pending'
			FROM _sync_dead_letter WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("dead letter %s not found", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_dead_letter WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove requeued dead letter %s: %w", id, err)
		}
		return nil
	})
}

// sendUploadBatch posts one batch of outbox operations to the server.
func (c *Client) sendUploadBatch(ctx context.Context, batch []OutboxEntry) (*pulsesync.UploadResponse, error) {
	operations := make([]pulsesync.OutboxOperation, 0, len(batch))
	for _, entry := range batch {
		operations = append(operations, pulsesync.OutboxOperation{
			ID:            entry.ID,
			Operation:     entry.Operation,
			TargetTable:   entry.TargetTable,
			RecordKey:     entry.RecordKey,
			Payload:       entry.Payload,
			ClientVersion: entry.ClientVersion,
		})
	}
	body, err := json.Marshal(&pulsesync.UploadRequest{SourceID: c.SourceID, Operations: operations})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/upload", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.addAuth(ctx, req); err != nil {
		return nil, err
	}

	httpResp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("upload returned status %d: %s", httpResp.StatusCode, data)
	}

	var resp pulsesync.UploadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &resp, nil
}

func (c *Client) addAuth(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
