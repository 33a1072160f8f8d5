package localstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteKV stores keys in an embedded SQLite database, for clients that want
// all per-origin state in one file. Matches the KV contract: any database
// error degrades to a miss or a dropped write, never an error to the caller.
type SQLiteKV struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteKV(path string) *SQLiteKV {
	return &SQLiteKV{path: strings.TrimSpace(path)}
}

func (s *SQLiteKV) Get(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" || s.ensureReady() != nil {
		return "", false
	}
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *SQLiteKV) Set(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" || s.ensureReady() != nil {
		return
	}
	_, _ = s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteKV) Remove(key string) {
	key = strings.TrimSpace(key)
	if key == "" || s.ensureReady() != nil {
		return
	}
	_, _ = s.db.Exec("DELETE FROM kv WHERE key = ?", key)
}

func (s *SQLiteKV) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteKV) ensureReady() error {
	s.initOnce.Do(func() {
		if s.path == "" {
			s.initErr = os.ErrInvalid
			return
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			s.initErr = err
			return
		}
		db, err := sql.Open("sqlite3", "file:"+s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			s.initErr = err
			return
		}
		_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
