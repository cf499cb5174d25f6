// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The boundary receives loosely-shaped payloads: field names arrive in
// snake_case or camelCase depending on which client produced them, and
// counters sometimes arrive as strings. DecodeRecord normalizes all of that
// exactly once; no other code path re-derives field names.

type payloadReader struct {
	fields map[string]json.RawMessage
}

func newPayloadReader(payload json.RawMessage) (*payloadReader, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "not a JSON object"}
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[normalizeFieldName(k)] = v
	}
	return &payloadReader{fields: fields}, nil
}

// normalizeFieldName folds snake_case and camelCase to a single lookup key.
func normalizeFieldName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "")
}

func (p *payloadReader) str(name string) string {
	raw, ok := p.fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Tolerate numbers where a string is expected (IDs from loose clients).
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (p *payloadReader) count(name string) (int64, error) {
	raw, ok := p.fields[name]
	if !ok || string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, nil
		}
	}
	return 0, &ValidationError{Field: name, Value: string(raw), Reason: "not an integer"}
}

func (p *payloadReader) timestamp(name string) time.Time {
	s := p.str(name)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DecodeRecord converts a boundary payload into a typed VideoDailyRecord.
// The day key is canonicalized in loc; the result is validated. The payload
// may carry the key fields under any of the usual casings (item_id/itemId,
// day_key/dayKey/date).
func DecodeRecord(payload json.RawMessage, loc *time.Location) (VideoDailyRecord, error) {
	p, err := newPayloadReader(payload)
	if err != nil {
		return VideoDailyRecord{}, err
	}

	rec := VideoDailyRecord{
		ItemID:       firstNonEmpty(p.str("itemid"), p.str("videoid")),
		ChannelID:    p.str("channelid"),
		ChannelName:  p.str("channelname"),
		Title:        p.str("title"),
		Description:  p.str("description"),
		ThumbnailURL: firstNonEmpty(p.str("thumbnailurl"), p.str("thumbnail")),
		Category:     p.str("category"),
		SubCategory:  p.str("subcategory"),
		Status:       p.str("status"),
		SourceOrigin: p.str("sourceorigin"),
	}

	rawDay := firstNonEmpty(p.str("daykey"), p.str("daykeylocal"), p.str("date"))
	if rawDay == "" {
		return VideoDailyRecord{}, &ValidationError{Field: "day_key", Reason: "missing"}
	}
	if rec.DayKey, err = NormalizeDayKey(rawDay, loc); err != nil {
		return VideoDailyRecord{}, err
	}

	if rec.ViewCount, err = p.count("viewcount"); err != nil {
		return VideoDailyRecord{}, err
	}
	if rec.LikeCount, err = p.count("likecount"); err != nil {
		return VideoDailyRecord{}, err
	}

	rec.UploadTimestamp = p.timestamp("uploadtimestamp")
	rec.ObservedAt = p.timestamp("observedat")
	rec.CreatedAt = p.timestamp("createdat")
	rec.UpdatedAt = p.timestamp("updatedat")

	if rec.Status == "" {
		rec.Status = StatusUnclassified
	}
	if rec.SourceOrigin == "" {
		rec.SourceOrigin = OriginCollector
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.ObservedAt
	}

	if err := rec.Validate(); err != nil {
		return VideoDailyRecord{}, err
	}
	return rec, nil
}

// EncodeRecord is the inverse boundary adapter: a stable snake_case payload.
func EncodeRecord(rec VideoDailyRecord) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", rec.Key(), err)
	}
	return data, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
