package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//   - "redis": Redis at Addr
//   - "memory", "" or "none": process memory only
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Addr        string
	Password    string
	DB          int
	Prefix      string
	BusyTimeout time.Duration // sqlite only; 0 means default
	HistorySize int           // run records kept per plugin; 0 means 200
}

// RunRecord is one finished (or skipped) plugin run.
type RunRecord struct {
	ID         string    `json:"id"`
	Plugin     string    `json:"plugin"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         int       `json:"ok"`
	Fail       int       `json:"fail"`
	Summary    string    `json:"summary,omitempty"`
	Detail     string    `json:"detail,omitempty"` // JSON encoded per-target results
}

// Store is the persistence API used by plugins and services.
type Store interface {
	// GetDoc returns ErrNotFound when key has never been written.
	GetDoc(ctx context.Context, key string) (json.RawMessage, error)
	PutDoc(ctx context.Context, key string, doc json.RawMessage) error

	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the newest records first.
	ListRuns(ctx context.Context, plugin string, limit int) ([]RunRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

const defaultHistorySize = 200

func historySize(n int) int {
	if n <= 0 {
		return defaultHistorySize
	}
	return n
}

// LoadDoc decodes the document at key into dst. A missing document leaves
// dst untouched and returns ErrNotFound.
func LoadDoc(ctx context.Context, s Store, key string, dst any) error {
	raw, err := s.GetDoc(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// SaveDoc encodes v and stores it at key.
func SaveDoc(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.PutDoc(ctx, key, b)
}
