// Package storage holds the object store that carries recordings between the download and upload stages.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"path"
)

// FolderRecordings is the key prefix for recording objects.
const FolderRecordings = "recordings"

// ContentTypeMP4 is the content type of stored recordings.
const ContentTypeMP4 = "video/mp4"

// ErrObjectNotFound is returned when a key has no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore persists recording media.
type ObjectStore interface {
	// Put writes body under key, replacing any existing object. size may be -1 when unknown.
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	// MediaURL returns a URL the ingest platform can fetch the object from.
	MediaURL(ctx context.Context, key string) (string, error)
	// Open streams an object. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// RecordingKey returns the object key for a recording: recordings/{id}.mp4, with the id
// encoded as unpadded URL-safe base64 so provider uuids ("/", "+", "=") make a single flat
// key. Distinct ids never share a key.
func RecordingKey(recordingID string) string {
	return path.Join(FolderRecordings, base64.RawURLEncoding.EncodeToString([]byte(recordingID))+".mp4")
}
