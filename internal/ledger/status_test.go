package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransitions(t *testing.T) {
	require.NoError(t, ValidateTransitions())
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{
		StatusNoSeriesFound, StatusTooShort, StatusDownloadFailed,
		StatusAlreadyIngested, StatusIngested, StatusUploadFailed,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusReceived, StatusSentToDownload, StatusDownloadReceived, StatusSeriesFound, StatusSentToUpload, StatusUploadReceived} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusReceived, true},
		{"", StatusIngested, false},
		{StatusReceived, StatusSentToDownload, true},
		{StatusSentToDownload, StatusDownloadReceived, true},
		{StatusDownloadReceived, StatusSeriesFound, true},
		{StatusSeriesFound, StatusSentToUpload, true},
		{StatusSentToUpload, StatusUploadReceived, true},
		{StatusUploadReceived, StatusIngested, true},
		{StatusIngested, StatusAlreadyIngested, true},
		{StatusDownloadFailed, StatusDownloadReceived, true},
		{StatusUploadFailed, StatusUploadReceived, true},
		{StatusUploadReceived, StatusAlreadyIngested, true},
		{StatusDownloadFailed, StatusDownloadFailed, true},
		{StatusNoSeriesFound, StatusDownloadReceived, false},
		{StatusTooShort, StatusSentToUpload, false},
		{StatusIngested, StatusUploadReceived, false},
		{StatusReceived, StatusIngested, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("SERIES_FOUND")
	require.NoError(t, err)
	assert.Equal(t, StatusSeriesFound, s)
	assert.Equal(t, StageDownload, s.Stage())

	_, err = ParseStatus("series_found")
	assert.Error(t, err)
}
