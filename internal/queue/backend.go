// internal/queue/backend.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrRevoked  = errors.New("job revoked")
)

// Backend stores job records. Update must apply fn atomically with respect to
// other Update calls on the same id.
type Backend interface {
	Load(ctx context.Context, id string) (*Record, error)
	Store(ctx context.Context, rec *Record) error
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)
}

// MemoryBackend keeps records in process. Used by tests and single-process runs.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	raw, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRecord(raw)
}

func (m *MemoryBackend) Store(_ context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	m.mu.Lock()
	m.records[rec.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, id string, fn func(*Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	m.records[id] = out
	return rec, nil
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
