package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "labtracker/pkg/logx"
)

// Store is the persistence API used by the cycle driver.
type Store interface {
	// Last returns the ChangeRecord for a source, if one exists.
	Last(ctx context.Context, source string) (ChangeRecord, bool, error)
	// IsNew reports whether the fingerprint differs from the recorded one
	// (or no record exists yet).
	IsNew(ctx context.Context, source, fingerprint string) (bool, error)
	// RecordSeen upserts the record for a source. Idempotent in the
	// fingerprint; the check time always advances.
	RecordSeen(ctx context.Context, source, fingerprint string, at time.Time) error

	Meta(ctx context.Context, key string) (value string, ok bool, err error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the store named by dsn.
//
// DSN forms:
//   - "sqlite:<path>"  SQLite database file
//   - "file:<path>"    dependency-free journal + snapshot files
func Open(dsn string, log logx.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)

	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return openSQLite(strings.TrimPrefix(dsn, "sqlite:"), log)
	case strings.HasPrefix(dsn, "file:"):
		return openFile(strings.TrimPrefix(dsn, "file:"), log)
	case dsn == "":
		return nil, errors.New("state dsn is required")
	default:
		return nil, errors.New("unknown state dsn scheme: " + dsn)
	}
}
