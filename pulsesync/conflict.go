// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// Conflict type values
const (
	ConflictContentMismatch = "content_mismatch"
	ConflictDuplicateKey    = "duplicate_key"
)

// Resolution values attached by callers that resolve conflicts
const (
	ResolutionMerged = "merged"
)

// ContentHash hashes the semantically meaningful fields of a record.
// createdAt/updatedAt are bookkeeping and deliberately excluded, so two rows
// that only differ in write times do not count as conflicting.
func ContentHash(r *VideoDailyRecord) uint64 {
	h := fnv.New64a()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(r.ItemID)
	write(r.DayKey)
	write(fmt.Sprintf("%d", r.ViewCount))
	write(fmt.Sprintf("%d", r.LikeCount))
	write(r.Category)
	write(r.SubCategory)
	write(r.Status)
	write(r.Title)
	write(r.Description)
	write(r.ChannelID)
	write(r.ChannelName)
	write(r.ThumbnailURL)
	if !r.UploadTimestamp.IsZero() {
		write(r.UploadTimestamp.UTC().Format(time.RFC3339Nano))
	}
	return h.Sum64()
}

// DetectConflicts diffs two labeled snapshots by canonical key. It is
// read-only and never mutates state; resolution happens elsewhere. Rows
// sharing a key inside one snapshot are folded first (a snapshot taken from
// a store with pre-constraint duplicates still diffs meaningfully).
func DetectConflicts(server, local []VideoDailyRecord) *ConflictReport {
	serverByKey := groupFold(server)
	localByKey := groupFold(local)

	report := &ConflictReport{}

	keys := make([]RecordKey, 0, len(serverByKey))
	for key := range serverByKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ItemID != keys[j].ItemID {
			return keys[i].ItemID < keys[j].ItemID
		}
		return keys[i].DayKey < keys[j].DayKey
	})

	for _, key := range keys {
		srv := serverByKey[key]
		loc, ok := localByKey[key]
		if !ok {
			report.ServerOnly++
			continue
		}
		report.Common++
		if ContentHash(&srv) != ContentHash(&loc) {
			report.Conflicts = append(report.Conflicts, ConflictRecord{
				Key:            key,
				ServerSnapshot: srv,
				LocalSnapshot:  loc,
				ConflictType:   ConflictContentMismatch,
			})
		}
	}
	for key := range localByKey {
		if _, ok := serverByKey[key]; !ok {
			report.LocalOnly++
		}
	}

	if report.Common > 0 {
		report.ConsistencyRate = float64(report.Common-len(report.Conflicts)) / float64(report.Common)
	} else {
		report.ConsistencyRate = 1.0
	}
	return report
}

// ResolveConflicts merges both snapshots of every conflict and returns the
// resolved records. The input report is annotated with the resolution.
func ResolveConflicts(report *ConflictReport) []VideoDailyRecord {
	if report == nil || len(report.Conflicts) == 0 {
		return nil
	}
	resolved := make([]VideoDailyRecord, 0, len(report.Conflicts))
	for i := range report.Conflicts {
		c := &report.Conflicts[i]
		merged := MergeRecords(&c.ServerSnapshot, c.LocalSnapshot)
		c.Resolution = ResolutionMerged
		resolved = append(resolved, merged)
	}
	return resolved
}

func groupFold(records []VideoDailyRecord) map[RecordKey]VideoDailyRecord {
	byKey := make(map[RecordKey]VideoDailyRecord, len(records))
	for _, r := range records {
		if existing, ok := byKey[r.Key()]; ok {
			byKey[r.Key()] = MergeRecords(&existing, r)
		} else {
			byKey[r.Key()] = MergeRecords(nil, r)
		}
	}
	return byKey
}
