// Package source reads recording metadata and media from the recording provider.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aura-webinar/recording-ingester/internal/apiclient"
	"github.com/aura-webinar/recording-ingester/internal/models"
)

// Meeting is the provider's recording payload, shared by the recordings API and webhooks.
type Meeting struct {
	UUID           string        `json:"uuid"`
	ID             json.Number   `json:"id"`
	HostID         string        `json:"host_id"`
	Topic          string        `json:"topic"`
	StartTime      time.Time     `json:"start_time"`
	Duration       int           `json:"duration"` // minutes
	RecordingFiles []MeetingFile `json:"recording_files"`
}

// MeetingFile is one entry of recording_files.
type MeetingFile struct {
	ID             string    `json:"id"`
	FileType       string    `json:"file_type"`
	RecordingType  string    `json:"recording_type"`
	DownloadURL    string    `json:"download_url"`
	FileSize       int64     `json:"file_size"`
	Status         string    `json:"status"`
	RecordingStart time.Time `json:"recording_start"`
	RecordingEnd   time.Time `json:"recording_end"`
}

// Recording converts the payload. Duration is the longest MP4 file, or the meeting
// duration when no file reports its span.
func (m Meeting) Recording() *models.Recording {
	rec := &models.Recording{
		ID:        m.UUID,
		SeriesID:  m.ID.String(),
		HostID:    m.HostID,
		Topic:     m.Topic,
		StartTime: m.StartTime,
	}
	for _, f := range m.RecordingFiles {
		file := models.RecordingFile{
			ID:             f.ID,
			FileType:       f.FileType,
			RecordingType:  f.RecordingType,
			DownloadURL:    f.DownloadURL,
			Size:           f.FileSize,
			Status:         f.Status,
			RecordingStart: f.RecordingStart,
			RecordingEnd:   f.RecordingEnd,
		}
		rec.Files = append(rec.Files, file)
		if strings.EqualFold(file.FileType, models.FileTypeMP4) && file.Length() > rec.Duration {
			rec.Duration = file.Length()
		}
	}
	if rec.Duration == 0 {
		rec.Duration = time.Duration(m.Duration) * time.Minute
	}
	return rec
}

// Client calls the provider's recordings API.
type Client struct {
	api *apiclient.Client
}

// New creates a source client.
func New(api *apiclient.Client) *Client {
	return &Client{api: api}
}

// GetRecording fetches metadata and file descriptors for a recording uuid.
func (c *Client) GetRecording(ctx context.Context, recordingID string) (*models.Recording, error) {
	var m Meeting
	endpoint := "/v2/meetings/" + EscapeUUID(recordingID) + "/recordings"
	if err := c.api.JSON(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: endpoint}, &m); err != nil {
		return nil, fmt.Errorf("get recording %s: %w", recordingID, err)
	}
	if m.UUID == "" {
		m.UUID = recordingID
	}
	return m.Recording(), nil
}

// OpenFile streams a recording file. The caller closes the reader.
func (c *Client) OpenFile(ctx context.Context, file models.RecordingFile) (io.ReadCloser, int64, error) {
	resp, err := c.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Endpoint: file.DownloadURL})
	if err != nil {
		return nil, 0, fmt.Errorf("download file %s: %w", file.ID, err)
	}
	size := resp.ContentLength
	if size < 0 {
		size = file.Size
	}
	return resp.Body, size, nil
}

// EscapeUUID escapes a meeting uuid for use in a path. The provider requires uuids that
// start with "/" or contain "//" to be escaped twice.
func EscapeUUID(uuid string) string {
	escaped := url.PathEscape(uuid)
	if strings.HasPrefix(uuid, "/") || strings.Contains(uuid, "//") {
		escaped = url.PathEscape(escaped)
	}
	return escaped
}
