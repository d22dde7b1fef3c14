package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "shoutbot/pkg/logx"
)

// fileStore keeps state in a handful of files:
//   - <prefix>.docs.json            (snapshot, rewritten on every PutDoc)
//   - <prefix>.runs.jsonl           (append-only run history)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// The dedup journal is compacted into the snapshot every 1000 writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	docsPath string
	docs     map[string]json.RawMessage

	runsFile *os.File
	runs     map[string][]RunRecord
	maxRuns  int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		docsPath:          prefix + ".docs.json",
		docs:              map[string]json.RawMessage{},
		runs:              map[string][]RunRecord{},
		maxRuns:           historySize(cfg.HistorySize),
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}

	if err := readJSONFile(s.docsPath, &s.docs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	_ = replayJSONL(runsPath, func(b []byte) {
		var r RunRecord
		if json.Unmarshal(b, &r) == nil && r.Plugin != "" {
			s.appendRunLocked(r)
		}
	})

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = readJSONFile(s.dedupSnapshotPath, &s.dedup)
	_ = replayJSONL(journalPath, func(b []byte) {
		var r dedupRecord
		if json.Unmarshal(b, &r) == nil && r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	})
	pruneExpiredDedup(s.dedup)

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	s.runsFile = rf
	s.dedupJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) GetDoc(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), d...), nil
}

func (s *fileStore) PutDoc(_ context.Context, key string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return errors.New("storage: document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.docs[key]
	s.docs[key] = append(json.RawMessage(nil), doc...)
	if err := writeJSONFileAtomic(s.docsPath, s.docs); err != nil {
		if had {
			s.docs[key] = prev
		} else {
			delete(s.docs, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.appendRunLocked(r)
	return nil
}

func (s *fileStore) appendRunLocked(r RunRecord) {
	rs := append(s.runs[r.Plugin], r)
	if len(rs) > s.maxRuns {
		rs = rs[len(rs)-s.maxRuns:]
	}
	s.runs[r.Plugin] = rs
}

func (s *fileStore) ListRuns(_ context.Context, plugin string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.runs[plugin], limit), nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || key == "" {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONFileAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func readJSONFile(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(dst)
}

func writeJSONFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayJSONL(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
