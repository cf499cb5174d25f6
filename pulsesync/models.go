// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Classification status values for VideoDailyRecord.Status
const (
	StatusUnclassified = "unclassified"
	StatusClassified   = "classified"
)

// Source origin values for VideoDailyRecord.SourceOrigin
const (
	OriginCollector = "collector"
	OriginManual    = "manual"
)

// Outbox operation values
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Upload failure reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonBadKey        = "bad_key"
	ReasonBadOperation  = "bad_operation"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonStoreError    = "store_error"
	ReasonInternalError = "internal_error"
)

// VideoDailyRecord is one observation of one content item on one local
// calendar day. Exactly one record exists per (ItemID, DayKey) at rest;
// repeated observations of the same key are folded together by MergeRecords.
type VideoDailyRecord struct {
	ItemID          string    `json:"item_id"`
	DayKey          string    `json:"day_key"`
	ChannelID       string    `json:"channel_id,omitempty"`
	ChannelName     string    `json:"channel_name,omitempty"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	ViewCount       int64     `json:"view_count"`
	LikeCount       int64     `json:"like_count"`
	UploadTimestamp time.Time `json:"upload_timestamp,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	ThumbnailURL    string    `json:"thumbnail_url,omitempty"`
	Category        string    `json:"category,omitempty"`
	SubCategory     string    `json:"sub_category,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SourceOrigin    string    `json:"source_origin"`
}

// RecordKey identifies one logical record.
type RecordKey struct {
	ItemID string
	DayKey string
}

// keySeparator joins item id and day key in the string form of a RecordKey.
// Item ids never contain '|' (YouTube-style ids are [A-Za-z0-9_-]).
const keySeparator = "|"

func (k RecordKey) String() string {
	return k.ItemID + keySeparator + k.DayKey
}

// ParseRecordKey parses the "itemID|dayKey" string form back into a RecordKey.
func ParseRecordKey(s string) (RecordKey, error) {
	itemID, dayKey, ok := strings.Cut(s, keySeparator)
	if !ok || itemID == "" || dayKey == "" {
		return RecordKey{}, &ValidationError{Field: "record_key", Value: s, Reason: "want itemID|dayKey"}
	}
	if err := ValidateDayKey(dayKey); err != nil {
		return RecordKey{}, err
	}
	return RecordKey{ItemID: itemID, DayKey: dayKey}, nil
}

// Key returns the record's composite key.
func (r *VideoDailyRecord) Key() RecordKey {
	return RecordKey{ItemID: r.ItemID, DayKey: r.DayKey}
}

// Validate checks the fields the store relies on. A failed validation is
// never retried.
func (r *VideoDailyRecord) Validate() error {
	if r.ItemID == "" {
		return &ValidationError{Field: "item_id", Reason: "must not be empty"}
	}
	if strings.Contains(r.ItemID, keySeparator) {
		return &ValidationError{Field: "item_id", Value: r.ItemID, Reason: "must not contain '|'"}
	}
	if err := ValidateDayKey(r.DayKey); err != nil {
		return err
	}
	if r.ViewCount < 0 {
		return &ValidationError{Field: "view_count", Value: fmt.Sprint(r.ViewCount), Reason: "must be non-negative"}
	}
	if r.LikeCount < 0 {
		return &ValidationError{Field: "like_count", Value: fmt.Sprint(r.LikeCount), Reason: "must be non-negative"}
	}
	switch r.Status {
	case "", StatusUnclassified, StatusClassified:
	default:
		return &ValidationError{Field: "status", Value: r.Status, Reason: "unknown status"}
	}
	switch r.SourceOrigin {
	case "", OriginCollector, OriginManual:
	default:
		return &ValidationError{Field: "source_origin", Value: r.SourceOrigin, Reason: "unknown origin"}
	}
	return nil
}

// REST/JSON models for the sync HTTP API.

// DownloadResponse is the server response to GET /sync/download.
type DownloadResponse struct {
	Records    []VideoDailyRecord `json:"records"`
	HasMore    bool               `json:"has_more"`
	NextKey    string             `json:"next_key,omitempty"` // keyset cursor for the next page
	ServerTime time.Time          `json:"server_time"`        // upper-bound snapshot for this paging session
}

// OutboxOperation is one outbox-shaped mutation in an upload batch.
type OutboxOperation struct {
	ID            string          `json:"id"`             // client-generated UUID, stable across retries
	Operation     string          `json:"op"`             // create, update, delete
	TargetTable   string          `json:"target_table"`   // informational; the server owns the layout
	RecordKey     string          `json:"record_key"`     // "itemID|dayKey"
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientVersion int64           `json:"client_version"` // monotonic per client
}

// UploadRequest is a batch of outbox operations.
type UploadRequest struct {
	SourceID   string            `json:"source_id,omitempty"` // echoed for logging; identity comes from auth
	Operations []OutboxOperation `json:"operations"`
}

// OperationFailure reports one operation that could not be applied.
// Retryable failures may be re-sent verbatim; others need operator attention.
type OperationFailure struct {
	ID        string `json:"id"`
	RecordKey string `json:"record_key,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
}

// UploadResponse summarizes a processed upload batch. Re-applying the same
// batch reports zero net new changes (inserted=0, updated=0).
type UploadResponse struct {
	Accepted bool               `json:"accepted"`
	Inserted int                `json:"inserted"`
	Updated  int                `json:"updated"`
	Failed   []OperationFailure `json:"failed"`
}

// ConflictRecord pairs the two snapshots of one diverged key.
type ConflictRecord struct {
	Key            RecordKey        `json:"key"`
	ServerSnapshot VideoDailyRecord `json:"server_snapshot"`
	LocalSnapshot  VideoDailyRecord `json:"local_snapshot"`
	ConflictType   string           `json:"conflict_type"`
	Resolution     string           `json:"resolution,omitempty"`
}

// ConflictReport is the read-only output of DetectConflicts.
type ConflictReport struct {
	Common          int              `json:"common"`
	ServerOnly      int              `json:"server_only"`
	LocalOnly       int              `json:"local_only"`
	Conflicts       []ConflictRecord `json:"conflicts"`
	ConsistencyRate float64          `json:"consistency_rate"`
}

// ReconcileRequest optionally narrows the duplicate reconciliation job.
type ReconcileRequest struct {
	ItemID string `json:"item_id,omitempty"`
	DayKey string `json:"day_key,omitempty"`
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	GroupsProcessed int `json:"groups_processed"`
	RowsKept        int `json:"rows_kept"`
	RowsRemoved     int `json:"rows_removed"`
	Failed          int `json:"failed"`
}

// StatusResponse is the health endpoint payload.
type StatusResponse struct {
	Status   string `json:"status"`
	AppName  string `json:"app_name"`
	Timezone string `json:"timezone"`
}

// ErrorResponse is the error payload shared by all handlers.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
