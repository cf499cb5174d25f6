// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"math/rand"
	"testing"
	"time"
)

func sampleVersions() []VideoDailyRecord {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	return []VideoDailyRecord{
		{
			ItemID: "vid-1", DayKey: "2025-01-15",
			ViewCount: 100, LikeCount: 5,
			Title: "First pass", ChannelName: "Channel A", ChannelID: "ch-1",
			ObservedAt: day.Add(1 * time.Hour),
			Status:     StatusUnclassified, SourceOrigin: OriginCollector,
			CreatedAt: day.Add(1 * time.Hour), UpdatedAt: day.Add(1 * time.Hour),
		},
		{
			ItemID: "vid-1", DayKey: "2025-01-15",
			ViewCount: 250, LikeCount: 3,
			Title: "Refreshed title", ChannelName: "Channel A", ChannelID: "ch-1",
			ObservedAt: day.Add(6 * time.Hour),
			Status:     StatusUnclassified, SourceOrigin: OriginCollector,
			CreatedAt: day.Add(6 * time.Hour), UpdatedAt: day.Add(6 * time.Hour),
		},
		{
			ItemID: "vid-1", DayKey: "2025-01-15",
			ViewCount: 180, LikeCount: 9,
			Category: "music", SubCategory: "kpop", Status: StatusClassified,
			ObservedAt:   day.Add(3 * time.Hour),
			SourceOrigin: OriginManual,
			CreatedAt:    day.Add(3 * time.Hour), UpdatedAt: day.Add(8 * time.Hour),
		},
	}
}

func TestMergeRecords_CountersAreMonotone(t *testing.T) {
	versions := sampleVersions()
	merged := MergeRecords(&versions[0], versions[1])

	if merged.ViewCount != 250 {
		t.Errorf("ViewCount = %d, want max 250", merged.ViewCount)
	}
	if merged.LikeCount != 5 {
		t.Errorf("LikeCount = %d, want max 5", merged.LikeCount)
	}

	// A stale replay with lower counters never lowers the merged value.
	stale := versions[0]
	stale.ViewCount = 1
	again := MergeRecords(&merged, stale)
	if again.ViewCount != 250 || again.LikeCount != 5 {
		t.Errorf("stale replay lowered counters: views=%d likes=%d", again.ViewCount, again.LikeCount)
	}
}

func TestMergeRecords_ClassificationSurvivesCollectorRefresh(t *testing.T) {
	versions := sampleVersions()
	classified := versions[2]
	refresh := versions[1] // unclassified collector pass with higher views

	merged := MergeRecords(&classified, refresh)
	if merged.Category != "music" || merged.SubCategory != "kpop" {
		t.Errorf("classification erased: category=%q sub=%q", merged.Category, merged.SubCategory)
	}
	if merged.Status != StatusClassified {
		t.Errorf("Status = %q, want classified", merged.Status)
	}
	if merged.ViewCount != 250 {
		t.Errorf("ViewCount = %d, counter update should still apply", merged.ViewCount)
	}
	if merged.SourceOrigin != OriginManual {
		t.Errorf("SourceOrigin = %q, manual touch should stick", merged.SourceOrigin)
	}
}

func TestMergeRecords_ClassificationMovesAsUnit(t *testing.T) {
	versions := sampleVersions()
	a := versions[2] // music/kpop classified
	b := versions[2]
	b.Category = "gaming"
	b.SubCategory = "speedrun"

	merged := MergeRecords(&a, b)
	// Whatever triple wins, category and subCategory come from the same side.
	switch merged.Category {
	case "music":
		if merged.SubCategory != "kpop" {
			t.Errorf("mixed triples: %q/%q", merged.Category, merged.SubCategory)
		}
	case "gaming":
		if merged.SubCategory != "speedrun" {
			t.Errorf("mixed triples: %q/%q", merged.Category, merged.SubCategory)
		}
	default:
		t.Errorf("unexpected category %q", merged.Category)
	}
}

func TestMergeRecords_Commutative(t *testing.T) {
	versions := sampleVersions()
	for i := range versions {
		for j := range versions {
			a := MergeRecords(nil, versions[i])
			b := MergeRecords(nil, versions[j])
			ab := MergeRecords(&a, b)
			ba := MergeRecords(&b, a)
			if ContentHash(&ab) != ContentHash(&ba) {
				t.Errorf("merge(%d,%d) != merge(%d,%d):\n%+v\nvs\n%+v", i, j, j, i, ab, ba)
			}
		}
	}
}

func TestMergeRecords_Idempotent(t *testing.T) {
	for _, v := range sampleVersions() {
		once := MergeRecords(nil, v)
		twice := MergeRecords(&once, v)
		if ContentHash(&once) != ContentHash(&twice) {
			t.Errorf("re-merging the same version changed the record:\n%+v\nvs\n%+v", once, twice)
		}
	}
}

func TestFoldRecords_OrderIndependent(t *testing.T) {
	versions := sampleVersions()
	// A manual edit with its own title, between the collector passes, so
	// the fold mixes origins and observation times.
	manual := versions[2]
	manual.Title = "Manual note"
	manual.ObservedAt = versions[2].ObservedAt.Add(30 * time.Minute)
	versions = append(versions, manual)

	want, ok := FoldRecords(versions)
	if !ok {
		t.Fatal("fold of non-empty slice reported empty")
	}
	wantHash := ContentHash(&want)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		shuffled := append([]VideoDailyRecord(nil), versions...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got, _ := FoldRecords(shuffled)
		if ContentHash(&got) != wantHash {
			t.Fatalf("fold depends on order (trial %d):\n%+v\nvs\n%+v", trial, got, want)
		}
	}
}

func TestMergeRecords_ClassifiedWithoutCategoryIsStable(t *testing.T) {
	rec := VideoDailyRecord{
		ItemID: "vid-7", DayKey: "2025-03-01",
		ViewCount: 40,
		Status:    StatusClassified, SourceOrigin: OriginManual,
	}

	once := MergeRecords(nil, rec)
	if once.Status != StatusClassified {
		t.Fatalf("Status = %q after first merge, want classified", once.Status)
	}

	twice := MergeRecords(&once, rec)
	if twice.Status != StatusClassified {
		t.Errorf("Status = %q, re-merging the same record erased it", twice.Status)
	}
	if ContentHash(&once) != ContentHash(&twice) {
		t.Errorf("re-merge changed the record:\n%+v\nvs\n%+v", once, twice)
	}

	// A category-less collector pass does not erase the bit either.
	auto := rec
	auto.Status = StatusUnclassified
	auto.SourceOrigin = OriginCollector
	merged := MergeRecords(&once, auto)
	if merged.Status != StatusClassified {
		t.Errorf("Status = %q, collector pass erased it", merged.Status)
	}
}

func TestMergeRecords_SubCategoryRequiresCategory(t *testing.T) {
	rec := VideoDailyRecord{ItemID: "vid-8", DayKey: "2025-03-01", SubCategory: "kpop"}
	out := MergeRecords(nil, rec)
	if out.SubCategory != "" {
		t.Errorf("SubCategory = %q without a category, want empty", out.SubCategory)
	}
}

func TestFoldRecords_MixedOriginsOrderIndependent(t *testing.T) {
	day := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	base := VideoDailyRecord{ItemID: "vid-5", DayKey: "2025-02-01"}

	manualA := base
	manualA.Title = "a"
	manualA.SourceOrigin = OriginManual
	manualA.ObservedAt = day.Add(2 * time.Hour)

	collectorB := base
	collectorB.Title = "b"
	collectorB.SourceOrigin = OriginCollector
	collectorB.ObservedAt = day.Add(1 * time.Hour)

	manualC := base
	manualC.Title = "c"
	manualC.SourceOrigin = OriginManual
	manualC.ObservedAt = day.Add(3 * time.Hour)

	records := []VideoDailyRecord{manualA, collectorB, manualC}
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		got, ok := FoldRecords([]VideoDailyRecord{records[p[0]], records[p[1]], records[p[2]]})
		if !ok {
			t.Fatal("fold reported empty")
		}
		if got.Title != "c" {
			t.Errorf("fold order %v: Title = %q, want latest-observed %q", p, got.Title, "c")
		}
	}
}

func TestFoldRecords_DuplicateGroupCollapsesToMax(t *testing.T) {
	views := []int64{80, 150, 100, 120, 90}
	var group []VideoDailyRecord
	for _, v := range views {
		group = append(group, VideoDailyRecord{
			ItemID: "vid-6", DayKey: "2025-10-05", ViewCount: v,
		})
	}

	merged, ok := FoldRecords(group)
	if !ok {
		t.Fatal("fold reported empty")
	}
	if merged.ViewCount != 150 {
		t.Errorf("ViewCount = %d, want 150", merged.ViewCount)
	}
	if merged.ItemID != "vid-6" || merged.DayKey != "2025-10-05" {
		t.Errorf("key changed: %s|%s", merged.ItemID, merged.DayKey)
	}
}

func TestFoldRecords_Empty(t *testing.T) {
	if _, ok := FoldRecords(nil); ok {
		t.Error("fold of empty slice should report !ok")
	}
}

func TestMergeRecords_TimestampBounds(t *testing.T) {
	versions := sampleVersions()
	merged, _ := FoldRecords(versions)

	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if !merged.CreatedAt.Equal(day.Add(1 * time.Hour)) {
		t.Errorf("CreatedAt = %v, want earliest", merged.CreatedAt)
	}
	if !merged.UpdatedAt.Equal(day.Add(8 * time.Hour)) {
		t.Errorf("UpdatedAt = %v, want latest", merged.UpdatedAt)
	}
	if !merged.ObservedAt.Equal(day.Add(6 * time.Hour)) {
		t.Errorf("ObservedAt = %v, want latest", merged.ObservedAt)
	}
}

func TestMergeRecords_NilExistingNormalizes(t *testing.T) {
	rec := VideoDailyRecord{ItemID: "vid-9", DayKey: "2025-02-01", ViewCount: -5}
	out := MergeRecords(nil, rec)
	if out.ViewCount != 0 {
		t.Errorf("negative counter not clamped: %d", out.ViewCount)
	}
	if out.Status != StatusUnclassified {
		t.Errorf("Status = %q, want default unclassified", out.Status)
	}
	if out.SourceOrigin != OriginCollector {
		t.Errorf("SourceOrigin = %q, want default collector", out.SourceOrigin)
	}
}
