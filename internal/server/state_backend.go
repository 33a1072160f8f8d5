package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// StateBackend persists store snapshots across restarts. nil means the
// store runs memory-only.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
	Close() error
}

// NewStateBackend picks a backend by driver name: "postgres" with a DSN,
// "file" with a path, or "" / "memory" for none.
func NewStateBackend(driver, target string) (StateBackend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return nil, nil
	case "file":
		return NewFileStateBackend(target)
	case "postgres":
		return NewPostgresStateBackend(target)
	default:
		return nil, fmt.Errorf("unknown state backend driver %q", driver)
	}
}

// FileStateBackend keeps the snapshot in one JSON file, written with a
// temp-file rename so a crash mid-save never truncates good state.
type FileStateBackend struct {
	path string
}

func NewFileStateBackend(path string) (*FileStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStateBackend{path: path}, nil
}

func (b *FileStateBackend) Load() (*persistedState, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *FileStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".linkvault-state-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, b.path)
}

func (b *FileStateBackend) Close() error { return nil }

const (
	postgresStateTable = "linkvault_state"
	postgresStateKey   = "default"
	postgresOpTimeout  = 5 * time.Second
)

// PostgresStateBackend stores the snapshot as one row, upserted on save.
// The connection opens lazily so constructing the backend never blocks on
// the database.
type PostgresStateBackend struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{dsn: dsn}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT snapshot FROM "+postgresStateTable+" WHERE state_key = $1",
		postgresStateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO `+postgresStateTable+` (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		postgresStateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := sql.Open("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+postgresStateTable+` (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`)
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
