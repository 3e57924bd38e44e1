package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/recording-ingester/internal/apiclient"
)

func TestIngest(t *testing.T) {
	var (
		got  map[string]any
		key  string
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"workflow_id":"wf-42","state":"RUNNING"}`)
	}))
	defer srv.Close()

	c := New(apiclient.New(apiclient.Options{BaseURL: srv.URL}))
	resp, err := c.Ingest(context.Background(), Request{
		RecordingID:         "ok1",
		DestinationSeriesID: "20240112345",
		Title:               "Lecture 1",
		MediaURL:            "https://bucket/recordings/ok1.mp4",
		Duration:            50 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-42", resp.WorkflowID)
	assert.Equal(t, "/ingest/v1/recordings", path)
	assert.Equal(t, "ok1", key)
	assert.Equal(t, "20240112345", got["series_id"])
	assert.Equal(t, float64(3000), got["duration_seconds"])
}

func TestIngestConflictMeansAlreadyIngested(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(apiclient.New(apiclient.Options{BaseURL: srv.URL}))
	_, err := c.Ingest(context.Background(), Request{RecordingID: "ok1", DestinationSeriesID: "d"})
	assert.True(t, errors.Is(err, ErrAlreadyIngested))
}

func TestIngestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(apiclient.New(apiclient.Options{BaseURL: srv.URL}))
	_, err := c.Ingest(context.Background(), Request{RecordingID: "ok1", DestinationSeriesID: "d"})
	assert.True(t, apiclient.IsStatus(err, http.StatusBadGateway))
	assert.False(t, errors.Is(err, ErrAlreadyIngested))
}
