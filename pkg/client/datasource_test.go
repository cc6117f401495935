package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/system"
	"github.com/festion/audit-stream/pkg/wire"
)

const testReport = `{
	"timestamp": "2026-03-01T12:00:00Z",
	"health_status": "green",
	"summary": {"total": 2, "clean": 2, "dirty": 0, "missing": 0, "extra": 0},
	"repos": [
		{"name": "infra", "status": "clean"},
		{"name": "webapp", "status": "clean"}
	]
}`

func newTestDataSource(t *testing.T, endpoint string) (*DataSource, *int) {
	t.Helper()

	ds, err := NewDataSource(testClientConfig(endpoint), NewMemoryPreferences(true), system.NewTestZapLogger())
	require.NoError(t, err)

	updates := 0
	ds.OnSnapshot(func(*snapshot.Snapshot) { updates++ })
	return ds, &updates
}

func TestDataSourceApply(t *testing.T) {
	t.Run("a valid payload becomes the current snapshot", func(t *testing.T) {
		ds, updates := newTestDataSource(t, "http://localhost:3070")

		ds.apply([]byte(testReport))

		snap, lastErr := ds.Current()
		require.NotNil(t, snap)
		assert.Equal(t, snapshot.HealthGreen, snap.HealthStatus)
		assert.Empty(t, lastErr)
		assert.Equal(t, 1, *updates)
	})

	t.Run("byte-identical payloads are delivered once", func(t *testing.T) {
		ds, updates := newTestDataSource(t, "http://localhost:3070")

		ds.apply([]byte(testReport))
		ds.apply([]byte(testReport))
		ds.apply([]byte(testReport))

		assert.Equal(t, 1, *updates)
	})

	t.Run("an invalid payload keeps the last good snapshot", func(t *testing.T) {
		ds, updates := newTestDataSource(t, "http://localhost:3070")

		ds.apply([]byte(testReport))
		ds.apply([]byte(`{"timestamp": "later"}`))

		snap, lastErr := ds.Current()
		require.NotNil(t, snap)
		assert.Equal(t, "2026-03-01T12:00:00Z", snap.Timestamp)
		assert.Contains(t, lastErr, "invalid snapshot")
		assert.Equal(t, 1, *updates)
	})

	t.Run("a changed payload replaces the snapshot and clears the error", func(t *testing.T) {
		ds, updates := newTestDataSource(t, "http://localhost:3070")

		ds.apply([]byte(testReport))
		ds.apply([]byte(`not even json`))

		changed := []byte(`{
			"timestamp": "2026-03-01T13:00:00Z",
			"health_status": "red",
			"summary": {"total": 2, "clean": 0, "dirty": 2, "missing": 0, "extra": 0},
			"repos": []
		}`)
		ds.apply(changed)

		snap, lastErr := ds.Current()
		assert.Equal(t, snapshot.HealthRed, snap.HealthStatus)
		assert.Empty(t, lastErr)
		assert.Equal(t, 2, *updates)
	})
}

func TestDataSourceMessages(t *testing.T) {
	t.Run("audit-update envelopes feed the snapshot stream", func(t *testing.T) {
		ds, updates := newTestDataSource(t, "http://localhost:3070")

		ds.handleMessage(wire.NewUpdate([]byte(testReport)))

		snap, _ := ds.Current()
		require.NotNil(t, snap)
		assert.Equal(t, 1, *updates)
	})

	t.Run("error envelopes surface as the last error", func(t *testing.T) {
		ds, _ := newTestDataSource(t, "http://localhost:3070")

		ds.handleMessage(wire.NewError("server side trouble"))

		_, lastErr := ds.Current()
		assert.Equal(t, "server side trouble", lastErr)
	})
}

func TestDataSourcePolling(t *testing.T) {
	t.Run("poll fetches and validates the audit endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/audit", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(testReport))
		}))
		defer server.Close()

		ds, updates := newTestDataSource(t, server.URL)
		ds.poll(context.Background())

		snap, lastErr := ds.Current()
		require.NotNil(t, snap)
		assert.Empty(t, lastErr)
		assert.Equal(t, 1, *updates)
	})

	t.Run("server errors are surfaced without clearing state", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
		}))
		defer server.Close()

		ds, _ := newTestDataSource(t, server.URL)
		ds.apply([]byte(testReport))
		ds.poll(context.Background())

		snap, lastErr := ds.Current()
		require.NotNil(t, snap, "last good snapshot survives")
		assert.Contains(t, lastErr, "500")
	})
}

func TestDataSourcePreference(t *testing.T) {
	t.Run("switching modes persists the preference", func(t *testing.T) {
		prefs := NewMemoryPreferences(true)
		ds, err := NewDataSource(testClientConfig("http://localhost:3070"), prefs, system.NewTestZapLogger())
		require.NoError(t, err)
		require.True(t, ds.RealtimeEnabled())

		require.NoError(t, ds.SetRealtimeEnabled(context.Background(), false))
		assert.False(t, ds.RealtimeEnabled())

		saved, err := prefs.RealtimeEnabled()
		require.NoError(t, err)
		assert.False(t, saved)
	})
}
