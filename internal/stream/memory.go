package stream

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process ChunkStore. It backs tests and single-node
// deployments that run without Redis.
//
// Expiry is lazy: every read checks the session deadline, so correctness
// never depends on SweepExpired running. The sweep only reclaims memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	meta     Metadata
	chunks   []Chunk
	status   StatusRecord
	deadline time.Time // zero means no expiry set yet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *memorySession) expired(now time.Time) bool {
	return !s.deadline.IsZero() && now.After(s.deadline)
}

// get returns the live session or nil if absent/expired.
func (m *MemoryStore) get(id string) *memorySession {
	s, ok := m.sessions[id]
	if !ok || s.expired(time.Now()) {
		return nil
	}
	return s
}

func (m *MemoryStore) CreateSession(ctx context.Context, id string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.get(id) != nil {
		return ErrSessionExists
	}
	m.sessions[id] = &memorySession{
		meta:   meta,
		chunks: make([]Chunk, 0, 16),
	}
	return nil
}

func (m *MemoryStore) AppendChunk(ctx context.Context, id string, chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, id string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.get(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	// Copy so callers never observe later appends through the slice.
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out, nil
}

func (m *MemoryStore) Length(ctx context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.get(id)
	if s == nil {
		return 0, ErrSessionNotFound
	}
	return len(s.chunks), nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, id string) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.get(id)
	if s == nil {
		return Metadata{}, ErrSessionNotFound
	}
	return s.meta, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.status = StatusRecord{Status: status, Error: errMsg, Timestamp: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) GetStatus(ctx context.Context, id string) (StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.get(id)
	if s == nil {
		return StatusRecord{}, ErrSessionNotFound
	}
	return s.status, nil
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id) != nil, nil
}

func (m *MemoryStore) ExpireAfter(ctx context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	// One deadline covers metadata, log and status, so they expire together.
	s.deadline = time.Now().Add(ttl)
	return nil
}

// SweepExpired removes expired sessions and returns how many were reclaimed.
func (m *MemoryStore) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for id, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
