package ledger

import (
	"fmt"
	"sort"
)

// Status is the lifecycle status of a recording in the pipeline.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusSentToDownload   Status = "SENT_TO_DOWNLOAD"
	StatusDownloadReceived Status = "DOWNLOAD_RECEIVED"
	StatusSeriesFound      Status = "SERIES_FOUND"
	StatusNoSeriesFound    Status = "NO_SERIES_FOUND"
	StatusTooShort         Status = "TOO_SHORT"
	StatusDownloadFailed   Status = "DOWNLOAD_FAILED"
	StatusSentToUpload     Status = "SENT_TO_UPLOAD"
	StatusUploadReceived   Status = "UPLOAD_RECEIVED"
	StatusIngested         Status = "INGESTED"
	StatusAlreadyIngested  Status = "ALREADY_INGESTED"
	StatusUploadFailed     Status = "UPLOAD_FAILED"
)

// Stage groups statuses by the pipeline stage that writes them.
type Stage int

const (
	StageIntake Stage = iota + 1
	StageDownload
	StageUpload
)

type statusInfo struct {
	stage    Stage
	terminal bool
}

var statuses = map[Status]statusInfo{
	StatusReceived:         {StageIntake, false},
	StatusSentToDownload:   {StageIntake, false},
	StatusDownloadReceived: {StageDownload, false},
	StatusSeriesFound:      {StageDownload, false},
	StatusNoSeriesFound:    {StageDownload, true},
	StatusTooShort:         {StageDownload, true},
	StatusDownloadFailed:   {StageDownload, true},
	StatusSentToUpload:     {StageUpload, false},
	StatusUploadReceived:   {StageUpload, false},
	StatusIngested:         {StageUpload, true},
	StatusAlreadyIngested:  {StageUpload, true},
	StatusUploadFailed:     {StageUpload, true},
}

// transitions lists, for each status, the statuses that may follow it.
// Failed statuses may be followed by a redelivered attempt of the same stage, or repeat when
// the queue dead-letters the job; entry statuses may repeat when a worker crashes before
// acknowledging.
var transitions = map[Status][]Status{
	StatusReceived:         {StatusSentToDownload, StatusReceived},
	StatusSentToDownload:   {StatusDownloadReceived},
	StatusDownloadReceived: {StatusSeriesFound, StatusNoSeriesFound, StatusDownloadFailed, StatusDownloadReceived},
	StatusSeriesFound:      {StatusTooShort, StatusDownloadFailed, StatusSentToUpload, StatusDownloadReceived},
	StatusNoSeriesFound:    {},
	StatusTooShort:         {},
	StatusDownloadFailed:   {StatusDownloadReceived, StatusDownloadFailed},
	StatusSentToUpload:     {StatusUploadReceived, StatusAlreadyIngested},
	StatusUploadReceived:   {StatusIngested, StatusAlreadyIngested, StatusUploadFailed, StatusUploadReceived},
	StatusIngested:         {StatusAlreadyIngested},
	StatusAlreadyIngested:  {StatusAlreadyIngested},
	StatusUploadFailed:     {StatusUploadReceived, StatusUploadFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// Terminal reports whether no further stage transition is expected after s.
// DOWNLOAD_FAILED and UPLOAD_FAILED are only final once the queue gives up on the message.
func (s Status) Terminal() bool {
	return statuses[s].terminal
}

// Stage returns the stage that writes s, or 0 for unknown statuses.
func (s Status) Stage() Stage {
	return statuses[s].stage
}

// ParseStatus converts a persisted string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown pipeline status %q", v)
	}
	return s, nil
}

// CanTransition reports whether to may be written after from.
// An empty from (no record yet) may only be followed by RECEIVED.
func CanTransition(from, to Status) bool {
	if from == "" {
		return to == StatusReceived
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransitions checks the transition table for consistency.
func ValidateTransitions() error {
	for s := range statuses {
		if _, ok := transitions[s]; !ok {
			return fmt.Errorf("status %s has no transition entry", s)
		}
	}
	for from, nexts := range transitions {
		if !from.Valid() {
			return fmt.Errorf("transition table references unknown status %s", from)
		}
		for _, to := range nexts {
			if !to.Valid() {
				return fmt.Errorf("transition %s -> %s targets unknown status", from, to)
			}
		}
		if !from.Terminal() && len(forward(from)) == 0 {
			return fmt.Errorf("non-terminal status %s has no successor", from)
		}
	}
	for _, s := range []Status{StatusNoSeriesFound, StatusTooShort} {
		if len(transitions[s]) != 0 {
			return fmt.Errorf("final status %s must have no successors", s)
		}
	}
	reached := map[Status]bool{StatusReceived: true}
	queue := []Status{StatusReceived}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	var missing []string
	for s := range statuses {
		if !reached[s] {
			missing = append(missing, string(s))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("statuses unreachable from %s: %v", StatusReceived, missing)
	}
	return nil
}

// forward returns the successors of s other than s itself.
func forward(s Status) []Status {
	var out []Status
	for _, next := range transitions[s] {
		if next != s {
			out = append(out, next)
		}
	}
	return out
}
