package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/internal/models"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/storage"
)

func TestDownloadNoSeriesFound(t *testing.T) {
	h := newHarness(t)
	delete(h.index.entries, "math101")
	h.addRecording("abc", time.Hour)

	err := h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "abc", SeriesID: "math101"})
	require.NoError(t, err)

	assert.Equal(t, []ledger.Status{ledger.StatusDownloadReceived, ledger.StatusNoSeriesFound}, h.store.Statuses("abc"))
	assert.Empty(t, h.uploads.payloads)
	assert.Zero(t, h.source.opens)
}

func TestDownloadTooShort(t *testing.T) {
	h := newHarness(t)
	h.addRecording("xyz", 120*time.Second)

	err := h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "xyz", SeriesID: "math101"})
	require.NoError(t, err)

	assert.Equal(t, []ledger.Status{
		ledger.StatusDownloadReceived, ledger.StatusSeriesFound, ledger.StatusTooShort,
	}, h.store.Statuses("xyz"))
	assert.False(t, h.stored("xyz"))
	assert.Zero(t, h.source.opens)
	assert.Empty(t, h.uploads.payloads)

	rec, err := h.store.Get(context.Background(), "xyz")
	require.NoError(t, err)
	assert.Equal(t, int64(120), rec.Attributes["duration_seconds"])
	assert.Equal(t, int64(300), rec.Attributes["minimum_seconds"])
}

func TestDownloadDurationBoundary(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     ledger.Status
	}{
		{"exactly minimum", 5 * time.Minute, ledger.StatusSentToUpload},
		{"one second below", 5*time.Minute - time.Second, ledger.StatusTooShort},
		{"above minimum", time.Hour, ledger.StatusSentToUpload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addRecording("r1", tt.duration)

			require.NoError(t, h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"}))

			statuses := h.store.Statuses("r1")
			require.NotEmpty(t, statuses)
			assert.Equal(t, tt.want, statuses[len(statuses)-1])
			assert.Equal(t, tt.want == ledger.StatusSentToUpload, h.stored("r1"))
		})
	}
}

func TestDownloadStoresMediaAndEnqueuesUpload(t *testing.T) {
	h := newHarness(t)
	h.addRecording("ok1", time.Hour)
	ctx := context.Background()

	err := h.down.Download(ctx, queue.DownloadPayload{RecordingID: "ok1", SeriesID: "math101", StartTime: monday10})
	require.NoError(t, err)

	assert.Equal(t, []ledger.Status{
		ledger.StatusDownloadReceived, ledger.StatusSeriesFound, ledger.StatusSentToUpload,
	}, h.store.Statuses("ok1"))

	body, err := afero.ReadFile(h.fs, "/"+storage.RecordingKey("ok1"))
	require.NoError(t, err)
	assert.Equal(t, mediaBody, string(body))

	require.Len(t, h.uploads.payloads, 1)
	p := h.uploads.payloads[0]
	assert.Equal(t, "ok1", p.RecordingID)
	assert.Equal(t, "math101", p.SeriesID)
	assert.Equal(t, "series-42", p.DestinationSeriesID)
	assert.Equal(t, storage.RecordingKey("ok1"), p.ObjectStorageKey)
	assert.Equal(t, "MATH 101", p.SubjectLabel)
	assert.Equal(t, "Calculus I", p.Topic)
	assert.Equal(t, int64(3600), p.DurationSeconds)
	assert.True(t, p.StartTime.Equal(monday10))

	rec, err := h.store.Get(ctx, "ok1")
	require.NoError(t, err)
	assert.Equal(t, "series-42", rec.Attributes["destination_series_id"])
	assert.Equal(t, true, rec.Attributes["on_schedule"])
	assert.Equal(t, storage.RecordingKey("ok1"), rec.Attributes["object_storage_key"])
	assert.Equal(t, "upload-ok1", rec.Attributes["upload_job_id"])
}

func TestDownloadSkipsWhenStageAlreadyDone(t *testing.T) {
	for _, status := range []ledger.Status{
		ledger.StatusNoSeriesFound, ledger.StatusTooShort, ledger.StatusSentToUpload, ledger.StatusIngested,
	} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.addRecording("r1", time.Hour)
			_, err := h.store.Upsert(context.Background(), "r1", status, nil)
			require.NoError(t, err)

			require.NoError(t, h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"}))

			assert.Equal(t, []ledger.Status{status}, h.store.Statuses("r1"))
			assert.Zero(t, h.index.lookups)
			assert.Empty(t, h.uploads.payloads)
		})
	}
}

func TestDownloadScheduleOutageIsRetried(t *testing.T) {
	h := newHarness(t)
	h.addRecording("r1", time.Hour)
	h.index.err = errors.New("connection refused")

	err := h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrPermanent))
	assert.Equal(t, []ledger.Status{ledger.StatusDownloadReceived, ledger.StatusDownloadFailed}, h.store.Statuses("r1"))
}

func TestDownloadFetchFailureThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.addRecording("r1", time.Hour)
	h.source.openFailures = 1
	ctx := context.Background()
	p := queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"}

	require.Error(t, h.down.Download(ctx, p))
	assert.False(t, h.stored("r1"))
	assert.Empty(t, h.uploads.payloads)

	require.NoError(t, h.down.Download(ctx, p))
	assert.True(t, h.stored("r1"))
	assert.Len(t, h.uploads.payloads, 1)
	assert.Equal(t, []ledger.Status{
		ledger.StatusDownloadReceived, ledger.StatusSeriesFound, ledger.StatusDownloadFailed,
		ledger.StatusDownloadReceived, ledger.StatusSeriesFound, ledger.StatusSentToUpload,
	}, h.store.Statuses("r1"))
}

func TestDownloadWithoutMediaFileIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.source.recordings["r1"] = &models.Recording{ID: "r1", Duration: time.Hour, Files: []models.RecordingFile{
		{ID: "f1", FileType: "M4A", DownloadURL: "https://files.test/audio"},
	}}

	err := h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrPermanent))
	statuses := h.store.Statuses("r1")
	assert.Equal(t, ledger.StatusDownloadFailed, statuses[len(statuses)-1])
}

func TestDownloadLedgerOutageDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.addRecording("r1", time.Hour)
	down := NewDownloader(ledger.New(downStore{}, zap.NewNop()), h.index, h.source, h.objects, h.uploads,
		DownloadConfig{MinDuration: time.Minute}, zap.NewNop())

	require.NoError(t, down.Download(context.Background(), queue.DownloadPayload{RecordingID: "r1", SeriesID: "math101"}))
	assert.True(t, h.stored("r1"))
	assert.Len(t, h.uploads.payloads, 1)
}

func TestDownloadHandleRejectsBadJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.down.Handle(ctx, &queue.Job{ID: "j1", Type: queue.JobTypeUpload, Payload: []byte(`{}`)})
	assert.True(t, errors.Is(err, queue.ErrPermanent))

	err = h.down.Handle(ctx, &queue.Job{ID: "j2", Type: queue.JobTypeDownload, Payload: []byte(`{"recording_id":"r1"}`)})
	assert.True(t, errors.Is(err, queue.ErrPermanent))

	err = h.down.Handle(ctx, &queue.Job{ID: "j3", Type: queue.JobTypeDownload, Payload: []byte(`not json`)})
	assert.True(t, errors.Is(err, queue.ErrPermanent))
}

func TestDownloadKeepsStatusWrittenByFastUpload(t *testing.T) {
	h := newHarness(t)
	h.addRecording("ok1", time.Hour)
	h.uploads.onEnqueue = func(p queue.UploadPayload) {
		require.NoError(t, h.up.Upload(context.Background(), p))
	}

	require.NoError(t, h.down.Download(context.Background(), queue.DownloadPayload{RecordingID: "ok1", SeriesID: "math101"}))

	assert.Equal(t, []ledger.Status{
		ledger.StatusDownloadReceived, ledger.StatusSeriesFound,
		ledger.StatusUploadReceived, ledger.StatusIngested,
	}, h.store.Statuses("ok1"))
	assert.Equal(t, 1, h.ingest.calls())
}
