package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type brokenStore struct{}

func (brokenStore) Upsert(context.Context, string, Status, map[string]any) (Status, error) {
	return "", errors.New("connection refused")
}

func (brokenStore) Get(context.Context, string) (*Record, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) History(context.Context, string, int) ([]Event, error) {
	return nil, errors.New("connection refused")
}

func TestWriteMergesAttributes(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), zap.NewNop())

	l.Write(ctx, "rec-1", StatusReceived, nil)
	l.Write(ctx, "rec-1", StatusSentToDownload, map[string]any{"series_id": "123"})
	l.Write(ctx, "rec-1", StatusDownloadReceived, map[string]any{"attempt": 1})

	rec := l.Read(ctx, "rec-1")
	require.NotNil(t, rec)
	assert.Equal(t, StatusDownloadReceived, rec.Status)
	assert.Equal(t, "123", rec.Attributes["series_id"])
	assert.Equal(t, 1, rec.Attributes["attempt"])
	assert.False(t, rec.LastUpdated.IsZero())

	events, err := l.History(ctx, "rec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, StatusSentToDownload, events[2].Previous)
}

func TestWriteSameStatusTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), zap.NewNop())

	l.Write(ctx, "rec-1", StatusReceived, map[string]any{"k": "v"})
	first := l.Read(ctx, "rec-1")
	l.Write(ctx, "rec-1", StatusReceived, map[string]any{"k": "v"})
	second := l.Read(ctx, "rec-1")

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Attributes, second.Attributes)
}

func TestReadAbsent(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	assert.Nil(t, l.Read(context.Background(), "missing"))
}

func TestStoreOutageIsSwallowed(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(brokenStore{}, zap.New(core))

	assert.NotPanics(t, func() {
		l.Write(context.Background(), "rec-1", StatusReceived, nil)
	})
	assert.Nil(t, l.Read(context.Background(), "rec-1"))
	assert.Equal(t, 1, logs.FilterMessage("status ledger write failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("status ledger read failed").Len())
}

func TestUnexpectedTransitionIsWrittenAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := NewMemoryStore()
	l := New(store, zap.New(core))
	ctx := context.Background()

	l.Write(ctx, "rec-1", StatusReceived, nil)
	l.Write(ctx, "rec-1", StatusIngested, nil)

	assert.Equal(t, StatusIngested, l.Read(ctx, "rec-1").Status)
	assert.Equal(t, 1, logs.FilterMessage("unexpected status transition").Len())
}

func TestUnknownStatusIsRejected(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, zap.NewNop())
	l.Write(context.Background(), "rec-1", Status("BOGUS"), nil)
	assert.Nil(t, l.Read(context.Background(), "rec-1"))
}
