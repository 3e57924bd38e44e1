package models

import (
	"strings"
	"time"
)

// File types and statuses reported by the recording source.
const (
	FileTypeMP4         = "MP4"
	FileStatusCompleted = "completed"
)

// Recording is a cloud recording as reported by the source provider. Immutable once fetched.
type Recording struct {
	ID        string          `json:"recording_id"`
	SeriesID  string          `json:"series_id"`
	HostID    string          `json:"host_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	StartTime time.Time       `json:"start_time"`
	Duration  time.Duration   `json:"duration"`
	Files     []RecordingFile `json:"files"`
}

// RecordingFile describes one downloadable file of a recording.
type RecordingFile struct {
	ID             string    `json:"id"`
	FileType       string    `json:"file_type"`
	RecordingType  string    `json:"recording_type,omitempty"`
	DownloadURL    string    `json:"download_url"`
	Size           int64     `json:"file_size"`
	Status         string    `json:"status,omitempty"`
	RecordingStart time.Time `json:"recording_start"`
	RecordingEnd   time.Time `json:"recording_end"`
}

// Length returns the file's recorded span, or zero when the provider did not report one.
func (f RecordingFile) Length() time.Duration {
	if f.RecordingStart.IsZero() || f.RecordingEnd.Before(f.RecordingStart) {
		return 0
	}
	return f.RecordingEnd.Sub(f.RecordingStart)
}

// IsMedia reports whether the file is a finished MP4.
func (f RecordingFile) IsMedia() bool {
	if !strings.EqualFold(f.FileType, FileTypeMP4) || f.DownloadURL == "" {
		return false
	}
	return f.Status == "" || strings.EqualFold(f.Status, FileStatusCompleted)
}

// MediaFile returns the file to deliver: the largest finished MP4. ok is false when there is none.
func (r *Recording) MediaFile() (file RecordingFile, ok bool) {
	for _, f := range r.Files {
		if !f.IsMedia() {
			continue
		}
		if !ok || f.Size > file.Size {
			file, ok = f, true
		}
	}
	return file, ok
}
