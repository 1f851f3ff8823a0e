package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite credstore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout for a db file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite credstore: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite credstore: db is nil")
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_credentials (
		  session_id TEXT PRIMARY KEY,
		  data BLOB NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`)
	if err != nil {
		return errors.Wrap(err, "sqlite credstore: migrate")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite credstore: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("sqlite credstore: session id is empty")
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM session_credentials WHERE session_id = ?`, sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "sqlite credstore: load")
	}
	return data, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sessionID string, data []byte) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite credstore: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("sqlite credstore: session id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_credentials (session_id, data, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			data = excluded.data,
			updated_at_ms = excluded.updated_at_ms
	`, sessionID, data, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite credstore: save")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite credstore: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_credentials WHERE session_id = ?`, strings.TrimSpace(sessionID)); err != nil {
		return errors.Wrap(err, "sqlite credstore: delete")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
