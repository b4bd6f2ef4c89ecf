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

	logx "jobsched/pkg/logx"
)

// fileStore appends runs to a JSON Lines file and keeps the newest
// Retention records in memory for RecentRuns.
//
// When the file holds twice the retention it is rewritten with only the
// kept records (tmp file + rename).
type fileStore struct {
	log       logx.Logger
	path      string
	retention int

	mu     sync.Mutex
	f      *os.File
	lines  int
	recent []RunRecord // append order
}

const maxLine = 1 << 20

func filePath(p string) string {
	if strings.EqualFold(filepath.Ext(p), ".jsonl") {
		return p
	}
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".runs.jsonl"
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	p = filePath(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: p, retention: cfg.Retention}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	log.Debug("run history opened", logx.String("path", p), logx.Int("records", len(s.recent)))
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		s.lines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			continue
		}
		s.remember(r)
	}
	return sc.Err()
}

func (s *fileStore) remember(r RunRecord) {
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.retention; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.remember(r)
	if s.lines > 2*s.retention {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("run history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	n := len(s.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.recent)
	s.log.Debug("run history compacted", logx.Int("records", s.lines))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
