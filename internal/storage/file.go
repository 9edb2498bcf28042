package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "secposter/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	delivered map[string]int64 // unix milli
	state     map[string]string

	writes int
}

type fileSnapshot struct {
	Delivered map[string]int64  `json:"delivered"`
	State     map[string]string `json:"state"`
}

type journalRecord struct {
	Op    string `json:"op"` // mark | forget | set
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	At    int64  `json:"at,omitempty"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		delivered:    map[string]int64{},
		state:        map[string]string{},
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil {
		return nil, fmt.Errorf("storage: replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open journal: %w", err)
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) IsDelivered(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Lookup(ctx, key)
	return ok, err
}

func (s *fileStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return Record{}, false, ErrClosed
	}
	ms, ok := s.delivered[key]
	if !ok {
		return Record{}, false, nil
	}
	return Record{Key: key, SentAt: time.UnixMilli(ms).UTC(), Status: StatusSent}, true, nil
}

func (s *fileStore) MarkDelivered(ctx context.Context, key string) error {
	_ = ctx
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: empty key")
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "mark", Key: key, At: now}); err != nil {
		return fmt.Errorf("storage: mark %q: %w", key, err)
	}
	s.delivered[key] = now
	return nil
}

func (s *fileStore) ListDelivered(ctx context.Context) (map[string]struct{}, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make(map[string]struct{}, len(s.delivered))
	for k := range s.delivered {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fileStore) Forget(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if _, ok := s.delivered[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "forget", Key: key}); err != nil {
		return false, fmt.Errorf("storage: forget %q: %w", key, err)
	}
	delete(s.delivered, key)
	return true, nil
}

func (s *fileStore) GetRevision(ctx context.Context, source string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	v, ok := s.state[RevisionKey(source)]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *fileStore) SetRevision(ctx context.Context, source, token string) error {
	_ = ctx
	key := RevisionKey(source)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "set", Key: key, Value: token}); err != nil {
		return fmt.Errorf("storage: set revision %q: %w", source, err)
	}
	s.state[key] = token
	return nil
}

// appendLocked writes one journal record durably before the in-memory maps change.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// The journal already holds the record; a failed compaction loses nothing.
		if err := s.compactLocked(r); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked snapshots the maps plus the record that has not been applied yet.
func (s *fileStore) compactLocked(pending journalRecord) error {
	snap := fileSnapshot{
		Delivered: make(map[string]int64, len(s.delivered)+1),
		State:     make(map[string]string, len(s.state)+1),
	}
	for k, v := range s.delivered {
		snap.Delivered[k] = v
	}
	for k, v := range s.state {
		snap.State[k] = v
	}
	applyRecord(&snap, pending)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Delivered {
		s.delivered[k] = v
	}
	for k, v := range snap.State {
		s.state[k] = v
	}
	return nil
}

// replayJournal applies every complete journal line and cuts off a torn
// tail, so the next append starts on a fresh line.
func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	snap := fileSnapshot{Delivered: s.delivered, State: s.state}
	var good int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				s.log.Warn("dropping torn journal tail", logx.Int("bytes", len(line)))
			}
			break
		}
		if err != nil {
			_ = f.Close()
			return err
		}
		good += int64(len(line))
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		applyRecord(&snap, rec)
	}
	st, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return err
	}
	if st.Size() > good {
		return os.Truncate(path, good)
	}
	return nil
}

func applyRecord(snap *fileSnapshot, r journalRecord) {
	if r.Key == "" {
		return
	}
	switch r.Op {
	case "mark":
		snap.Delivered[r.Key] = r.At
	case "forget":
		delete(snap.Delivered, r.Key)
	case "set":
		snap.State[r.Key] = r.Value
	}
}
