package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// Memory is a process-local Store for tests and single instance setups.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// get returns the live entry for key, dropping it if expired. Caller holds mu.
func (m *Memory) get(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *Memory) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.get(key); ok {
		existing := entry.record
		return &existing, false, nil
	}

	m.entries[key] = memoryEntry{
		record:    Record{RequestHash: requestHash},
		expiresAt: m.now().Add(ttl),
	}
	return nil, true, nil
}

func (m *Memory) Complete(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *record
	stored.Body = append([]byte(nil), record.Body...)
	m.entries[key] = memoryEntry{record: stored, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}
