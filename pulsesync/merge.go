// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import "time"

// MergeRecords reconciles two versions of one logical record field by field.
// It is pure, commutative and idempotent, so any number of retries or any
// arrival order of the same observations converges to the same row. This is
// the single merge policy for upserts, conflict resolution, outbox replay
// and duplicate reconciliation.
//
// Policy table:
//   - counters (view/like): max, absent treated as 0
//   - classification (category/subCategory/status): moves as a unit;
//     a non-empty classification is never erased by an empty/auto incoming one
//   - descriptive metadata (title, description, channelName, thumbnailURL,
//     channelID): taken as one block from the later-observed side; equal
//     observation times break the tie on the field tuple itself
//   - createdAt = min, updatedAt = max, observedAt = max
func MergeRecords(existing *VideoDailyRecord, incoming VideoDailyRecord) VideoDailyRecord {
	if existing == nil {
		out := incoming
		out.ViewCount = maxInt64(0, out.ViewCount)
		out.LikeCount = maxInt64(0, out.LikeCount)
		if out.Status == "" {
			out.Status = StatusUnclassified
		}
		if out.SourceOrigin == "" {
			out.SourceOrigin = OriginCollector
		}
		if out.Category == "" {
			out.SubCategory = ""
		}
		return out
	}

	a, b := *existing, incoming
	out := VideoDailyRecord{
		ItemID: a.ItemID,
		DayKey: a.DayKey,
	}

	out.ViewCount = maxInt64(maxInt64(0, a.ViewCount), b.ViewCount)
	out.LikeCount = maxInt64(maxInt64(0, a.LikeCount), b.LikeCount)

	out.Category, out.SubCategory, out.Status = mergeClassification(&a, &b)

	d := descriptiveDonor(&a, &b)
	out.Title = d.Title
	out.Description = d.Description
	out.ChannelName = d.ChannelName
	out.ThumbnailURL = d.ThumbnailURL
	out.ChannelID = d.ChannelID

	out.UploadTimestamp = mergeUploadTimestamp(&a, &b)
	out.ObservedAt = maxTime(a.ObservedAt, b.ObservedAt)
	out.CreatedAt = minNonZeroTime(a.CreatedAt, b.CreatedAt)
	out.UpdatedAt = maxTime(a.UpdatedAt, b.UpdatedAt)

	if a.SourceOrigin == OriginManual || b.SourceOrigin == OriginManual {
		out.SourceOrigin = OriginManual
	} else {
		out.SourceOrigin = OriginCollector
	}

	return out
}

// FoldRecords left-folds MergeRecords across all versions of one key.
// Commutativity and idempotence of the merge make the result independent of
// the slice order; the reconciliation job relies on this.
func FoldRecords(records []VideoDailyRecord) (VideoDailyRecord, bool) {
	if len(records) == 0 {
		return VideoDailyRecord{}, false
	}
	acc := MergeRecords(nil, records[0])
	for _, r := range records[1:] {
		acc = MergeRecords(&acc, r)
	}
	return acc, true
}

// mergeClassification picks the classification triple as a unit so category
// and subCategory never mix across versions. The winner is chosen by a total
// order on the triple itself (has-category, classified, then lexicographic),
// which makes the choice a join: commutative, associative, idempotent.
// An empty/auto incoming value therefore never erases a set classification.
func mergeClassification(a, b *VideoDailyRecord) (category, subCategory, status string) {
	donor := a
	switch {
	case a.Category == "" && b.Category == "":
		donor = nil
	case a.Category == "":
		donor = b
	case b.Category == "":
		donor = a
	default:
		ac, bc := a.Status == StatusClassified, b.Status == StatusClassified
		switch {
		case ac != bc && bc:
			donor = b
		case ac != bc && ac:
			donor = a
		case a.Category != b.Category:
			if b.Category < a.Category {
				donor = b
			}
		case b.SubCategory < a.SubCategory:
			donor = b
		}
	}

	status = StatusUnclassified
	if donor == nil {
		// No category anywhere; the classified bit still joins on its own
		// so re-merging a category-less classified record is a no-op.
		if a.Status == StatusClassified || b.Status == StatusClassified {
			status = StatusClassified
		}
		return "", "", status
	}
	if donor.Status == StatusClassified {
		status = StatusClassified
	}
	return donor.Category, donor.SubCategory, status
}

// descriptiveDonor picks the side that supplies every descriptive field.
// The block moves as one snapshot: with only record-level provenance, any
// per-field pick that consults the origin or observation time of an already
// merged record stops being order-independent once collector and manual
// writes mix. The later-observed side wins; equal observation times break
// the tie on the field tuple itself, so the pick is a join and folds stay
// order-independent. The merged record carries exactly the donor's
// observation time (max) and block, keeping repeated merges stable.
func descriptiveDonor(a, b *VideoDailyRecord) *VideoDailyRecord {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		if b.ObservedAt.After(a.ObservedAt) {
			return b
		}
		return a
	}
	at := descriptiveTuple(a)
	bt := descriptiveTuple(b)
	for i := range at {
		if at[i] != bt[i] {
			if bt[i] > at[i] {
				return b
			}
			return a
		}
	}
	return a
}

func descriptiveTuple(r *VideoDailyRecord) [5]string {
	return [5]string{r.Title, r.Description, r.ChannelName, r.ThumbnailURL, r.ChannelID}
}

func mergeUploadTimestamp(a, b *VideoDailyRecord) time.Time {
	switch {
	case a.UploadTimestamp.IsZero():
		return b.UploadTimestamp
	case b.UploadTimestamp.IsZero():
		return a.UploadTimestamp
	case a.UploadTimestamp.Equal(b.UploadTimestamp):
		return a.UploadTimestamp
	}
	// Disagreeing upload times: the earlier one was observed closer to the
	// actual upload. Deterministic either way.
	return minNonZeroTime(a.UploadTimestamp, b.UploadTimestamp)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minNonZeroTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
