package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "labtracker/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite state path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	log.Debug("state opened", logx.String("backend", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Last(ctx context.Context, source string) (ChangeRecord, bool, error) {
	var (
		fp string
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, checked_at FROM changes WHERE source = ?`, source,
	).Scan(&fp, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRecord{}, false, nil
	}
	if err != nil {
		return ChangeRecord{}, false, err
	}
	checked, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return ChangeRecord{}, false, fmt.Errorf("%w: checked_at for %q: %v", ErrCorrupt, source, err)
	}
	return ChangeRecord{Source: source, Fingerprint: fp, CheckedAt: checked}, true, nil
}

func (s *sqliteStore) IsNew(ctx context.Context, source, fingerprint string) (bool, error) {
	rec, ok, err := s.Last(ctx, source)
	if err != nil {
		return false, err
	}
	return !ok || rec.Fingerprint != fingerprint, nil
}

func (s *sqliteStore) RecordSeen(ctx context.Context, source, fingerprint string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO changes(source, fingerprint, checked_at) VALUES(?,?,?)
		 ON CONFLICT(source) DO UPDATE SET fingerprint=excluded.fingerprint, checked_at=excluded.checked_at`,
		source, fingerprint, at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}
