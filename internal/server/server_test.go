package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/event"
	"github.com/apiscope/apiscope/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.Open(storage.Config{
		DBPath:        filepath.Join(t.TempDir(), "apiscope.db"),
		RetentionDays: 30,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(New(config.ServerConfig{}, store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func ingestBatch(t *testing.T, srv *httptest.Server, batch event.Batch) *http.Response {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/batches", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func sampleBatch() event.Batch {
	return event.NewBatch([]event.Event{
		{
			ID:          event.NewID(),
			ServiceName: "checkout",
			Method:      "POST",
			TargetHost:  "payments.internal",
			TargetPath:  "/pay",
			StatusCode:  200,
			DurationMs:  12,
			Timestamp:   time.Now(),
		},
		{
			ID:          event.NewID(),
			ServiceName: "checkout",
			Method:      "POST",
			TargetHost:  "payments.internal",
			TargetPath:  "/pay",
			StatusCode:  502,
			DurationMs:  40,
			Timestamp:   time.Now(),
		},
	})
}

func TestIngestAndQuery(t *testing.T) {
	srv := newTestServer(t)

	resp := ingestBatch(t, srv, sampleBatch())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events?service=checkout")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []event.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Len(t, events, 2)

	resp, err = http.Get(srv.URL + "/api/v1/statistics?service=checkout")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats []storage.EndpointStatistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, int64(1), stats[0].ErrorCount)

	resp, err = http.Get(srv.URL + "/api/v1/dependencies")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var deps []storage.ServiceDependency
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deps))
	require.Len(t, deps, 1)
	assert.Equal(t, int64(2), deps[0].CallCount)

	resp, err = http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var totals storage.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&totals))
	assert.Equal(t, int64(2), totals.EventCount)
}

func TestIngestIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	batch := sampleBatch()

	for i := 0; i < 2; i++ {
		resp := ingestBatch(t, srv, batch)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/v1/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats []storage.EndpointStatistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/batches", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/batches", "application/json", bytes.NewReader([]byte(`{"events":[]}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "batch without an id is rejected")
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	srv := newTestServer(t)

	batch := sampleBatch()
	batch.Events[1].ServiceName = ""
	resp := ingestBatch(t, srv, batch)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The valid event must not have been committed either.
	resp, err := http.Get(srv.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []event.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Empty(t, events)
}

func TestEventsBadFilter(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/events?from=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/events?limit=lots")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsTimeFilterFormats(t *testing.T) {
	srv := newTestServer(t)
	resp := ingestBatch(t, srv, sampleBatch())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	for _, from := range []string{
		"1",
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	} {
		resp, err := http.Get(srv.URL + "/api/v1/events?from=" + from)
		require.NoError(t, err)
		var events []event.Event
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
		resp.Body.Close()
		assert.Len(t, events, 2)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/batches")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
