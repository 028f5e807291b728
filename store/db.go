// Package store persists the bot's configuration record in SQLite.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// bumped whenever schema.sql changes shape
const schemaVersion = 1

type DB struct {
	*sql.DB
}

// Open creates the file and its directory if needed and brings the schema up
// to date. Writers take the lock at BEGIN so a reader never sees half a save.
// A file SQLite cannot read is renamed to <path>.corrupt and replaced by a
// fresh database, so the bot starts with default settings.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := open(path)
	if err == nil || !unreadable(err) {
		return db, err
	}

	aside := path + ".corrupt"
	slog.Warn("database unreadable, starting fresh", "path", path, "moved_to", aside, "err", err)
	if err := os.Rename(path, aside); err != nil {
		return nil, fmt.Errorf("move unreadable db: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("stale sqlite sidecar not removed", "path", path+suffix, "err", err)
		}
	}
	return open(path)
}

// unreadable reports whether err means the file is not a usable database.
func unreadable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrNotADB || sqliteErr.Code == sqlite3.ErrCorrupt
}

func open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db := &DB{sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	slog.Info("database opened", "path", path)
	return db, nil
}

func (db *DB) migrate() error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	slog.Info("database schema migrated", "from", version, "to", schemaVersion)
	return nil
}
