// Package ingest delivers stored recordings to the media platform's ingest API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aura-webinar/recording-ingester/internal/apiclient"
)

// ErrAlreadyIngested is returned when the platform reports the recording was ingested before.
var ErrAlreadyIngested = errors.New("recording already ingested")

// Request describes one recording to ingest.
type Request struct {
	RecordingID         string        `json:"recording_id"`
	DestinationSeriesID string        `json:"series_id"`
	Title               string        `json:"title"`
	SubjectLabel        string        `json:"subject,omitempty"`
	MediaURL            string        `json:"media_url"`
	StartTime           time.Time     `json:"start"`
	Duration            time.Duration `json:"-"`
	DurationSeconds     int64         `json:"duration_seconds"`
}

// Response is the platform's answer to an ingest request.
type Response struct {
	WorkflowID string `json:"workflow_id"`
	State      string `json:"state,omitempty"`
}

// Client calls the ingest API.
type Client struct {
	api *apiclient.Client
}

// New creates an ingest client.
func New(api *apiclient.Client) *Client {
	return &Client{api: api}
}

// Ingest starts an ingest workflow. The recording id is sent as the idempotency key.
func (c *Client) Ingest(ctx context.Context, req Request) (*Response, error) {
	if req.DestinationSeriesID == "" {
		return nil, errors.New("ingest request has no destination series")
	}
	req.DurationSeconds = int64(req.Duration / time.Second)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out Response
	err = c.api.JSON(ctx, apiclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/ingest/v1/recordings",
		Body:     body,
		Header:   http.Header{"Idempotency-Key": {req.RecordingID}},
	}, &out)
	if err != nil {
		if apiclient.IsStatus(err, http.StatusConflict) {
			return nil, fmt.Errorf("ingest %s: %w", req.RecordingID, ErrAlreadyIngested)
		}
		return nil, fmt.Errorf("ingest %s: %w", req.RecordingID, err)
	}
	return &out, nil
}
