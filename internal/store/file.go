package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "labtracker/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of the full state)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// Writes append to the journal, so a kill mid-cycle loses at most the entry
// being written; committed records are never rewritten in place. The journal
// is periodically compacted into the snapshot (atomic rename).
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	changes map[string]changeRow
	meta    map[string]string

	writes int
}

type changeRow struct {
	Fingerprint string `json:"fingerprint"`
	CheckedAt   int64  `json:"checked_at"` // unix milli
}

type fileSnapshot struct {
	Changes map[string]changeRow `json:"changes"`
	Meta    map[string]string    `json:"meta"`
}

type journalEntry struct {
	Kind        string `json:"kind"` // "seen" or "meta"
	Source      string `json:"source,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	CheckedAt   int64  `json:"checked_at,omitempty"`
	Key         string `json:"key,omitempty"`
	Value       string `json:"value,omitempty"`
}

func openFile(path string, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file state path is required")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		changes:      map[string]changeRow{},
		meta:         map[string]string{},
	}
	if err := st.loadSnapshot(snapPath); err != nil {
		return nil, err
	}
	if err := st.replayJournal(journalPath); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf

	log.Debug("state opened",
		logx.String("backend", "file"),
		logx.String("path", snapPath),
		logx.Int("records", len(st.changes)))
	return st, nil
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("%w: snapshot %s: %v", ErrCorrupt, path, err)
	}
	for k, v := range snap.Changes {
		s.changes[k] = v
	}
	for k, v := range snap.Meta {
		s.meta[k] = v
	}
	return nil
}

// replayJournal applies entries appended since the last compaction. A
// malformed final line is an interrupted append and is dropped; a malformed
// line anywhere else means the state cannot be trusted.
func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var pending error
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			pending = fmt.Errorf("%w: journal %s: %v", ErrCorrupt, path, err)
			continue
		}
		s.apply(e)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return nil
}

func (s *fileStore) apply(e journalEntry) {
	switch e.Kind {
	case "seen":
		if e.Source != "" {
			s.changes[e.Source] = changeRow{Fingerprint: e.Fingerprint, CheckedAt: e.CheckedAt}
		}
	case "meta":
		if e.Key != "" {
			s.meta[e.Key] = e.Value
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Last(ctx context.Context, source string) (ChangeRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.changes[source]
	if !ok {
		return ChangeRecord{}, false, nil
	}
	return ChangeRecord{
		Source:      source,
		Fingerprint: row.Fingerprint,
		CheckedAt:   time.UnixMilli(row.CheckedAt).UTC(),
	}, true, nil
}

func (s *fileStore) IsNew(ctx context.Context, source, fingerprint string) (bool, error) {
	rec, ok, err := s.Last(ctx, source)
	if err != nil {
		return false, err
	}
	return !ok || rec.Fingerprint != fingerprint, nil
}

func (s *fileStore) RecordSeen(ctx context.Context, source, fingerprint string, at time.Time) error {
	_ = ctx
	if source == "" {
		return errors.New("source name is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("state journal closed")
	}

	ms := at.UnixMilli()
	s.changes[source] = changeRow{Fingerprint: fingerprint, CheckedAt: ms}
	return s.appendLocked(journalEntry{Kind: "seen", Source: source, Fingerprint: fingerprint, CheckedAt: ms})
}

func (s *fileStore) Meta(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *fileStore) SetMeta(ctx context.Context, key, value string) error {
	_ = ctx
	if key == "" {
		return errors.New("meta key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("state journal closed")
	}

	s.meta[key] = value
	return s.appendLocked(journalEntry{Kind: "meta", Key: key, Value: value})
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Changes: s.changes, Meta: s.meta}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}
