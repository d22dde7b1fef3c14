package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	runs    map[string][]RunRecord
	dedup   map[string]time.Time
	maxRuns int
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory(historySz int) Store {
	return &memoryStore{
		docs:    map[string]json.RawMessage{},
		runs:    map[string][]RunRecord{},
		dedup:   map[string]time.Time{},
		maxRuns: historySize(historySz),
	}
}

func (s *memoryStore) GetDoc(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), d...), nil
}

func (s *memoryStore) PutDoc(_ context.Context, key string, doc json.RawMessage) error {
	s.mu.Lock()
	s.docs[key] = append(json.RawMessage(nil), doc...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := append(s.runs[r.Plugin], r)
	if len(rs) > s.maxRuns {
		rs = rs[len(rs)-s.maxRuns:]
	}
	s.runs[r.Plugin] = rs
	return nil
}

func (s *memoryStore) ListRuns(_ context.Context, plugin string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.runs[plugin], limit), nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (s *memoryStore) Close() error { return nil }

// newestFirst copies up to limit records from an oldest-first slice in
// reverse order. limit <= 0 means all.
func newestFirst(rs []RunRecord, limit int) []RunRecord {
	n := len(rs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(rs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, rs[i])
	}
	return out
}
