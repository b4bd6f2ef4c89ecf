package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("run history opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, name, started, took_ns, ok, err, exit_code, output)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.JobID, nullStr(r.Name), r.Started.UTC().Format(time.RFC3339Nano), int64(r.Duration), ok,
		nullStr(r.Error), r.ExitCode, nullStr(r.Output),
	)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("run history prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, name, started, took_ns, ok, err, exit_code, output
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                RunRecord
			name, errS, outS sql.NullString
			started          string
			tookNS           int64
			ok               int
		)
		if err := rows.Scan(&r.JobID, &name, &started, &tookNS, &ok, &errS, &r.ExitCode, &outS); err != nil {
			return nil, err
		}
		r.Name, r.Error, r.Output = name.String, errS.String, outS.String
		r.Duration = time.Duration(tookNS)
		r.OK = ok != 0
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.Started = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune drops everything older than the newest retention rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.retention)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
