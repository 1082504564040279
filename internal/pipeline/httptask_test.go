package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtline/statpipe/internal/changedetect"
	"github.com/courtline/statpipe/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestHTTPTask_PostsWorkSetAndParsesOutcome(t *testing.T) {
	var got taskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(taskResponse{
			RecordCount:     12,
			ChangedEntities: []string{"p1", "p2"},
		})
	}))
	defer srv.Close()

	task := NewHTTPTask("player-stats", "process", srv.URL, 0)
	task.retry = fastRetry()

	out, err := task.Run(context.Background(), TaskContext{
		Scope: "2026-03-14",
		Changed: changedetect.Result{
			ChangedIDs: []string{"p1", "p2"},
			TotalIDs:   40,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14", got.Scope)
	assert.False(t, got.FullBatch)
	assert.Equal(t, []string{"p1", "p2"}, got.ChangedIDs)
	assert.Equal(t, 12, out.RecordCount)
	assert.Equal(t, []string{"p1", "p2"}, out.ChangedEntities)
}

func TestHTTPTask_FullBatchOmitsChangedIDs(t *testing.T) {
	var got taskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(taskResponse{RecordCount: 3})
	}))
	defer srv.Close()

	task := NewHTTPTask("player-stats", "process", srv.URL, 0)
	task.retry = fastRetry()

	// No detector ran, so the zero Result means process everything.
	_, err := task.Run(context.Background(), TaskContext{Scope: "2026-03-14", Backfill: true})
	require.NoError(t, err)

	assert.True(t, got.FullBatch)
	assert.Empty(t, got.ChangedIDs)
	assert.True(t, got.Backfill)
}

func TestHTTPTask_RetriesTransientStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(taskResponse{RecordCount: 1})
	}))
	defer srv.Close()

	task := NewHTTPTask("player-stats", "process", srv.URL, 0)
	task.retry = fastRetry()

	out, err := task.Run(context.Background(), TaskContext{Scope: "2026-03-14"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RecordCount)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestHTTPTask_ClientErrorIsFinal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	task := NewHTTPTask("player-stats", "process", srv.URL, 0)
	task.retry = fastRetry()

	_, err := task.Run(context.Background(), TaskContext{Scope: "2026-03-14"})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "a 4xx means the request itself is wrong")
}
