// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulselite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zoo2538/youtubepulse-sub002/pulsesync"
)

// fakeSyncServer is an in-memory stand-in for the server core: it holds
// records by key and applies uploads through the same merge policy.
type fakeSyncServer struct {
	mu      sync.Mutex
	records map[pulsesync.RecordKey]pulsesync.VideoDailyRecord

	downloadCalls int
	failDownloads bool
}

func newFakeSyncServer() *fakeSyncServer {
	return &fakeSyncServer{records: make(map[pulsesync.RecordKey]pulsesync.VideoDailyRecord)}
}

func (f *fakeSyncServer) put(rec pulsesync.VideoDailyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Key()] = pulsesync.MergeRecords(nil, rec)
}

func (f *fakeSyncServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/download", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.downloadCalls++
		if f.failDownloads {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		resp := pulsesync.DownloadResponse{ServerTime: time.Now().UTC()}
		for _, rec := range f.records {
			resp.Records = append(resp.Records, rec)
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})
	mux.HandleFunc("/sync/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req pulsesync.UploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := pulsesync.UploadResponse{Accepted: true, Failed: []pulsesync.OperationFailure{}}
		for _, op := range req.Operations {
			key, err := pulsesync.ParseRecordKey(op.RecordKey)
			require.NoError(t, err)
			switch op.Operation {
			case pulsesync.OpDelete:
				delete(f.records, key)
			default:
				rec, err := pulsesync.DecodeRecord(op.Payload, time.UTC)
				require.NoError(t, err)
				if existing, ok := f.records[key]; ok {
					f.records[key] = pulsesync.MergeRecords(&existing, rec)
					resp.Updated++
				} else {
					f.records[key] = pulsesync.MergeRecords(nil, rec)
					resp.Inserted++
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	})
	return mux
}

func TestRunSync_FullPipelineConverges(t *testing.T) {
	fake := newFakeSyncServer()
	// Server-side truth with fresher counters.
	server := localObservation("vid-1", "2025-01-15", 900)
	fake.put(server)
	fake.put(localObservation("vid-2", "2025-01-15", 40))

	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	// Diverging offline edit: lower counters but a manual classification.
	local := localObservation("vid-1", "2025-01-15", 100)
	local.Category = "music"
	local.SubCategory = "kpop"
	local.Status = pulsesync.StatusClassified
	local.SourceOrigin = pulsesync.OriginManual
	_, err := client.SaveLocal(ctx, local)
	require.NoError(t, err)

	session, err := client.RunSync(ctx)
	require.NoError(t, err)
	require.Equal(t, StageIdle, session.State)
	require.Equal(t, 2, session.Summary.Downloaded)
	require.Greater(t, session.Summary.Uploaded, 0)
	require.Equal(t, 1.0, session.Summary.ConsistencyRate)
	require.False(t, session.LastSyncAt.IsZero())

	// Both sides hold the merged record: max counters plus classification.
	rec, _, err := client.GetLocal(ctx, pulsesync.RecordKey{ItemID: "vid-1", DayKey: "2025-01-15"})
	require.NoError(t, err)
	require.EqualValues(t, 900, rec.ViewCount)
	require.Equal(t, "music", rec.Category)
	require.Equal(t, pulsesync.StatusClassified, rec.Status)

	srvRec := fake.records[pulsesync.RecordKey{ItemID: "vid-1", DayKey: "2025-01-15"}]
	require.EqualValues(t, 900, srvRec.ViewCount)
	require.Equal(t, "music", srvRec.Category)

	// Server-only record arrived locally.
	_, found, err := client.GetLocal(ctx, pulsesync.RecordKey{ItemID: "vid-2", DayKey: "2025-01-15"})
	require.NoError(t, err)
	require.True(t, found)

	// The watermark persisted.
	last, err := client.LastSyncAt(ctx)
	require.NoError(t, err)
	require.False(t, last.IsZero())

	// Outbox fully drained.
	pending, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestRunSync_RerunIsNoNetChange(t *testing.T) {
	fake := newFakeSyncServer()
	fake.put(localObservation("vid-1", "2025-01-15", 100))
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := client.RunSync(ctx)
	require.NoError(t, err)

	session, err := client.RunSync(ctx)
	require.NoError(t, err)
	require.Equal(t, StageIdle, session.State)
	require.Zero(t, session.Summary.ConflictsDetected)
	require.Zero(t, session.Summary.Uploaded)
}

func TestRunSync_DownloadFailureRecordsStage(t *testing.T) {
	fake := newFakeSyncServer()
	fake.failDownloads = true
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	session, err := client.RunSync(ctx)
	require.Error(t, err)
	require.Equal(t, StageFailed, session.State)
	require.Equal(t, StageDownloading, session.LastFailedStage)

	stage, err := client.LastFailedStage(ctx)
	require.NoError(t, err)
	require.Equal(t, StageDownloading, stage)

	// The watermark did not advance.
	last, err := client.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

func TestRunSync_SingleFlight(t *testing.T) {
	client := newTestClient(t, "http://unused")
	client.syncActive = 1

	_, err := client.RunSync(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)
}

func TestHydrate_BootstrapsReplica(t *testing.T) {
	fake := newFakeSyncServer()
	fake.put(localObservation("vid-1", "2025-01-15", 100))
	fake.put(localObservation("vid-2", "2025-01-16", 200))
	ts := httptest.NewServer(fake.handler(t))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	n, err := client.Hydrate(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err := client.SnapshotLocal(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}
