package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	events  []Event
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, recordingID string, status Status, attrs map[string]any) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[recordingID]
	var prev Status
	if ok {
		prev = rec.Status
	} else {
		rec = &Record{RecordingID: recordingID, Attributes: map[string]any{}}
		m.records[recordingID] = rec
	}
	rec.Status = status
	rec.LastUpdated = now
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	m.events = append(m.events, Event{
		ID:          int64(len(m.events) + 1),
		RecordingID: recordingID,
		Status:      status,
		Previous:    prev,
		Attributes:  copyAttrs(attrs),
		CreatedAt:   now,
	})
	return prev, nil
}

func (m *MemoryStore) Get(_ context.Context, recordingID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordingID]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Attributes = copyAttrs(rec.Attributes)
	return &out, nil
}

func (m *MemoryStore) History(_ context.Context, recordingID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.RecordingID != recordingID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Statuses returns the ordered statuses written for recordingID.
func (m *MemoryStore) Statuses(recordingID string) []Status {
	events, _ := m.History(context.Background(), recordingID, 0)
	out := make([]Status, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func copyAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
