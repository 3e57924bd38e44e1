package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeDownload JobType = "download"
	JobTypeUpload   JobType = "upload"
)

// Sources of a download job.
const (
	SourceWebhook  = "webhook"
	SourceOnDemand = "on_demand"
)

// DownloadPayload is the payload for download jobs.
type DownloadPayload struct {
	RecordingID string    `json:"recording_id"`
	SeriesID    string    `json:"series_id"`
	HostID      string    `json:"host_id,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// UploadPayload is the payload for upload jobs.
type UploadPayload struct {
	RecordingID         string    `json:"recording_id"`
	SeriesID            string    `json:"series_id"`
	DestinationSeriesID string    `json:"destination_series_id"`
	ObjectStorageKey    string    `json:"object_storage_key"`
	Topic               string    `json:"topic,omitempty"`
	SubjectLabel        string    `json:"subject_label,omitempty"`
	StartTime           time.Time `json:"start_time,omitempty"`
	DurationSeconds     int64     `json:"duration_seconds"`
}

// EnqueueDownload enqueues a download job.
func (q *Queue) EnqueueDownload(ctx context.Context, payload DownloadPayload) (string, error) {
	return q.Enqueue(ctx, JobTypeDownload, "", payload)
}

// EnqueueUpload enqueues an upload job grouped by recording id.
func (q *Queue) EnqueueUpload(ctx context.Context, payload UploadPayload) (string, error) {
	return q.Enqueue(ctx, JobTypeUpload, payload.RecordingID, payload)
}

// Decode unmarshals the job payload into v after checking the job type. A mismatch or an
// undecodable payload is permanent.
func (j *Job) Decode(want JobType, v any) error {
	if j.Type != want {
		return Permanent(fmt.Errorf("unexpected job type %q, want %q", j.Type, want))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("unmarshal %s payload: %w", want, err))
	}
	return nil
}

// RecordingID extracts the recording id from a download or upload payload, or "".
func (j *Job) RecordingID() string {
	var p struct {
		RecordingID string `json:"recording_id"`
	}
	_ = json.Unmarshal(j.Payload, &p)
	return p.RecordingID
}
