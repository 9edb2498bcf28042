package storage

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

	logx "secposter/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
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

func (s *sqliteStore) IsDelivered(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Lookup(ctx, key)
	return ok, err
}

func (s *sqliteStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrClosed
	}
	var (
		sentAt sql.NullString
		status sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sent_time, status FROM processed_files WHERE file_path = ?`, key,
	).Scan(&sentAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("storage: lookup %q: %w", key, err)
	}
	rec := Record{Key: key, Status: status.String}
	if sentAt.Valid {
		rec.SentAt = parseSentTime(sentAt.String)
	}
	return rec, true, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: empty key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_files(file_path, sent_time, status) VALUES(?,?,?)
		 ON CONFLICT(file_path) DO UPDATE SET sent_time=excluded.sent_time, status=excluded.status`,
		key, time.Now().UTC().Format(time.RFC3339Nano), StatusSent,
	)
	if err != nil {
		return fmt.Errorf("storage: mark %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) ListDelivered(ctx context.Context) (map[string]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM processed_files`)
	if err != nil {
		return nil, fmt.Errorf("storage: list delivered: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: list delivered: %w", err)
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list delivered: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Forget(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_files WHERE file_path = ?`, key)
	if err != nil {
		return false, fmt.Errorf("storage: forget %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: forget %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *sqliteStore) GetRevision(ctx context.Context, source string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, RevisionKey(source)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get revision %q: %w", source, err)
	}
	if !v.Valid || v.String == "" {
		return "", false, nil
	}
	return v.String, true, nil
}

func (s *sqliteStore) SetRevision(ctx context.Context, source, token string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		RevisionKey(source), token,
	)
	if err != nil {
		return fmt.Errorf("storage: set revision %q: %w", source, err)
	}
	return nil
}

// parseSentTime accepts our RFC3339 values and the CURRENT_TIMESTAMP default
// format used by rows written by older tooling.
func parseSentTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
