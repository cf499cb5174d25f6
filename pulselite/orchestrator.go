// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulselite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zoo2538/youtubepulse-sub002/pulsesync"
)

// SyncStage identifies a step of the two-way sync pipeline.
type SyncStage string

const (
	StageIdle        SyncStage = "idle"
	StageDownloading SyncStage = "downloading"
	StageDiffing     SyncStage = "diffing"
	StageResolving   SyncStage = "resolving"
	StageUploading   SyncStage = "uploading"
	StageVerifying   SyncStage = "verifying"
	StageFailed      SyncStage = "failed"
)

// ErrSyncInProgress is returned when RunSync is called while another run is
// still active on the same client.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncSummary counts what one run actually did.
type SyncSummary struct {
	Downloaded        int     `json:"downloaded"`
	ConflictsDetected int     `json:"conflicts_detected"`
	ConflictsResolved int     `json:"conflicts_resolved"`
	Uploaded          int     `json:"uploaded"`
	DeadLettered      int     `json:"dead_lettered"`
	ConsistencyRate   float64 `json:"consistency_rate"`
}

// SyncSession is the result of one RunSync invocation.
type SyncSession struct {
	State           SyncStage   `json:"state"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	LastSyncAt      time.Time   `json:"last_sync_at"`
	LastFailedStage SyncStage   `json:"last_failed_stage,omitempty"`
	Summary         SyncSummary `json:"summary"`
}

// RunSync executes the full two-way pipeline:
// download -> diff -> resolve -> upload -> verify.
//
// The last-sync watermark only advances after the verify stage confirms a
// conflict-free diff against the server, so an interrupted run replays its
// window on the next attempt. The pipeline is single-flight per client;
// concurrent callers get ErrSyncInProgress instead of interleaved stages.
func (c *Client) RunSync(ctx context.Context) (*SyncSession, error) {
	if !atomic.CompareAndSwapInt32(&c.syncActive, 0, 1) {
		return nil, ErrSyncInProgress
	}
	defer atomic.StoreInt32(&c.syncActive, 0)

	session := &SyncSession{State: StageDownloading, StartedAt: nowUTC()}

	since, err := c.LastSyncAt(ctx)
	if err != nil {
		return c.failSession(ctx, session, StageDownloading, err)
	}

	// Download: pull every server record changed since the watermark and
	// fold it into the local replica. The first page's server time becomes
	// the candidate watermark for this run.
	serverRecords, serverTime, err := c.downloadSince(ctx, since)
	if err != nil {
		return c.failSession(ctx, session, StageDownloading, err)
	}
	session.Summary.Downloaded = len(serverRecords)
	c.logger.Info("Download stage complete", "records", len(serverRecords), "since", since)

	// Diff: compare the downloaded server view against the local snapshot.
	session.State = StageDiffing
	local, err := c.SnapshotLocal(ctx)
	if err != nil {
		return c.failSession(ctx, session, StageDiffing, err)
	}
	report := pulsesync.DetectConflicts(serverRecords, local)
	session.Summary.ConflictsDetected = len(report.Conflicts)
	session.Summary.ConsistencyRate = report.ConsistencyRate

	// Resolve: merge each conflicting pair and write the result locally.
	// SaveLocal queues the merged record in the outbox, so the server
	// converges to the same value during the upload stage.
	session.State = StageResolving
	for _, merged := range pulsesync.ResolveConflicts(report) {
		if _, err := c.SaveLocal(ctx, merged); err != nil {
			return c.failSession(ctx, session, StageResolving, err)
		}
		session.Summary.ConflictsResolved++
	}

	// Upload: replay everything queued, including resolutions from above.
	session.State = StageUploading
	replay, err := c.ReplayOutbox(ctx)
	if err != nil {
		return c.failSession(ctx, session, StageUploading, err)
	}
	session.Summary.Uploaded = replay.Completed
	session.Summary.DeadLettered = replay.DeadLettered

	// Verify: re-download the window and require a conflict-free diff
	// before advancing the watermark.
	session.State = StageVerifying
	verifyRecords, _, err := c.downloadSince(ctx, since)
	if err != nil {
		return c.failSession(ctx, session, StageVerifying, err)
	}
	local, err = c.SnapshotLocal(ctx)
	if err != nil {
		return c.failSession(ctx, session, StageVerifying, err)
	}
	verify := pulsesync.DetectConflicts(verifyRecords, local)
	if len(verify.Conflicts) > 0 {
		err := fmt.Errorf("verification found %d unresolved conflicts", len(verify.Conflicts))
		return c.failSession(ctx, session, StageVerifying, err)
	}
	session.Summary.ConsistencyRate = verify.ConsistencyRate

	if err := c.setSyncState(ctx, serverTime, ""); err != nil {
		return c.failSession(ctx, session, StageVerifying, err)
	}

	session.State = StageIdle
	session.LastSyncAt = serverTime
	session.FinishedAt = nowUTC()
	c.logger.Info("Sync run complete",
		"downloaded", session.Summary.Downloaded,
		"conflicts", session.Summary.ConflictsDetected,
		"uploaded", session.Summary.Uploaded,
		"consistency_rate", session.Summary.ConsistencyRate)
	return session, nil
}

// Hydrate rebuilds the local replica from a full server download. It runs
// the download stage with a zero watermark and no upload, for first-run
// bootstrap or recovery from a corrupted replica file.
func (c *Client) Hydrate(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&c.syncActive, 0, 1) {
		return 0, ErrSyncInProgress
	}
	defer atomic.StoreInt32(&c.syncActive, 0)

	records, serverTime, err := c.downloadSince(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	if err := c.setSyncState(ctx, serverTime, ""); err != nil {
		return len(records), err
	}
	c.logger.Info("Hydrate complete", "records", len(records))
	return len(records), nil
}

func (c *Client) failSession(ctx context.Context, session *SyncSession, stage SyncStage, err error) (*SyncSession, error) {
	session.State = StageFailed
	session.LastFailedStage = stage
	session.FinishedAt = nowUTC()
	c.logger.Error("Sync stage failed", "stage", stage, "error", err)
	if stateErr := c.recordFailedStage(ctx, stage); stateErr != nil {
		c.logger.Warn("Failed to persist failed stage", "error", stateErr)
	}
	return session, fmt.Errorf("sync %s stage: %w", stage, err)
}

// downloadSince pages through /sync/download and applies every record to the
// local store. It returns the applied records and the server-time snapshot
// of the first page, which bounds the window this run has fully consumed.
func (c *Client) downloadSince(ctx context.Context, since time.Time) ([]pulsesync.VideoDailyRecord, time.Time, error) {
	var (
		records    []pulsesync.VideoDailyRecord
		serverTime time.Time
		afterKey   string
	)
	for {
		page, err := c.fetchDownloadPage(ctx, since, afterKey)
		if err != nil {
			return nil, time.Time{}, err
		}
		if serverTime.IsZero() {
			serverTime = page.ServerTime
		}

		c.writeMu.Lock()
		for _, rec := range page.Records {
			if err := c.applyRemoteLocked(ctx, rec); err != nil {
				c.writeMu.Unlock()
				return nil, time.Time{}, err
			}
		}
		c.writeMu.Unlock()
		records = append(records, page.Records...)

		if !page.HasMore {
			return records, serverTime, nil
		}
		afterKey = page.NextKey
	}
}

func (c *Client) fetchDownloadPage(ctx context.Context, since time.Time, afterKey string) (*pulsesync.DownloadResponse, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.config.DownloadLimit))
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if afterKey != "" {
		query.Set("after_key", afterKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/sync/download?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	if err := c.addAuth(ctx, req); err != nil {
		return nil, err
	}

	httpResp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &pulsesync.RetryableError{Op: "download", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("download returned status %d: %s", httpResp.StatusCode, data)
	}

	var page pulsesync.DownloadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode download response: %w", err)
	}
	return &page, nil
}

// setSyncState advances the watermark and clears or records the failed stage.
func (c *Client) setSyncState(ctx context.Context, lastSyncAt time.Time, failedStage SyncStage) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_state SET last_sync_at = ?, last_failed_stage = ? WHERE user_id = ?`,
		formatStoredTime(lastSyncAt), string(failedStage), c.UserID)
	if err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	return nil
}

func (c *Client) recordFailedStage(ctx context.Context, stage SyncStage) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_state SET last_failed_stage = ? WHERE user_id = ?`,
		string(stage), c.UserID)
	if err != nil {
		return fmt.Errorf("failed to record failed stage: %w", err)
	}
	return nil
}

// LastFailedStage reports the stage recorded by the most recent failed run,
// or empty when the last run verified cleanly.
func (c *Client) LastFailedStage(ctx context.Context) (SyncStage, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_failed_stage FROM _sync_state WHERE user_id = ?`, c.UserID).Scan(&raw)
	if err != nil {
		return "", fmt.Errorf("failed to read failed stage: %w", err)
	}
	return SyncStage(raw), nil
}
