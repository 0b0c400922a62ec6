package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "restline.db"

// Memory opens a private in-memory database.
const Memory = ":memory:"

type Config struct {
	Workspace string
	// Path is the database file; relative paths are resolved against Workspace.
	Path string
}

func dbPath(cfg Config) string {
	p := cfg.Path
	if p == "" {
		p = defaultDBName
	}
	if p == Memory || filepath.IsAbs(p) {
		return p
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Open opens the SQLite database with foreign keys on. Connections are limited
// to one so writers never see SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the config.
func Path(cfg Config) string {
	return dbPath(cfg)
}
