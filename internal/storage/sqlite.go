package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "triggerd/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	transcript TEXT NOT NULL,
	metadata   TEXT,
	saved_at   TEXT NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (SessionStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Save(ctx context.Context, sess Session) error {
	if err := validateID(sess.ID); err != nil {
		return err
	}
	if sess.SavedAt.IsZero() {
		sess.SavedAt = time.Now().UTC()
	}
	transcript, err := json.Marshal(sess.Transcript)
	if err != nil {
		return err
	}
	var meta any
	if len(sess.Metadata) > 0 {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, transcript, metadata, saved_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET transcript=excluded.transcript, metadata=excluded.metadata, saved_at=excluded.saved_at`,
		sess.ID, string(transcript), meta, sess.SavedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Load(ctx context.Context, id string) (Session, error) {
	if err := validateID(id); err != nil {
		return Session{}, err
	}
	var (
		transcript string
		meta       sql.NullString
		savedAt    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT transcript, metadata, saved_at FROM sessions WHERE id = ?`, id,
	).Scan(&transcript, &meta, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, err
	}

	sess := Session{ID: id}
	if err := json.Unmarshal([]byte(transcript), &sess.Transcript); err != nil {
		return Session{}, fmt.Errorf("decode transcript %s: %w", id, err)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return Session{}, fmt.Errorf("decode metadata %s: %w", id, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		sess.SavedAt = t
	}
	return sess, nil
}

func (s *sqliteStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
