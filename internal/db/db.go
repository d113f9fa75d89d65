package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "stegops.db"
	defaultDir    = ".stegops"
)

type Config struct {
	Workspace string
	// Dir is the journal directory relative to Workspace.
	Dir string
}

func (c Config) dir() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	d := c.Dir
	if d == "" {
		d = defaultDir
	}
	return filepath.Join(ws, d)
}

// EnsureWorkspace creates the journal directory if missing.
func EnsureWorkspace(cfg Config) (string, error) {
	path := cfg.dir()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite journal with foreign keys on and a busy timeout so
// concurrent runs queue instead of failing.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", Path(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the config.
func Path(cfg Config) string {
	return filepath.Join(cfg.dir(), defaultDBName)
}
