package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daikelcutino-spec/barbot/room"
)

const configKey = "config"

// Config is the single persisted record.
type Config struct {
	SpawnPosition room.Position `json:"spawnPosition"`
}

// LoadSpawn returns the stored spawn position, or room.Origin when the
// record is missing or unreadable. It never fails.
func (db *DB) LoadSpawn(ctx context.Context) room.Position {
	cfg, err := db.loadConfig(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Info("no stored spawn position, using default", "spawn", room.Origin())
		return room.Origin()
	}
	if err != nil {
		slog.Warn("stored config unreadable, using default spawn", "err", err)
		return room.Origin()
	}
	if err := cfg.SpawnPosition.Validate(); err != nil {
		slog.Warn("stored spawn position invalid, using default", "err", err)
		return room.Origin()
	}
	return cfg.SpawnPosition
}

// SaveSpawn replaces the record in one transaction and reads it back. A
// read-back mismatch is logged, not returned.
func (db *DB) SaveSpawn(ctx context.Context, p room.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(Config{SpawnPosition: p})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, configKey, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}

	got, err := db.loadConfig(ctx)
	if err != nil {
		slog.Warn("spawn read-back failed", "err", err)
		return nil
	}
	if got.SpawnPosition != p {
		slog.Warn("spawn read-back mismatch", "wrote", p, "read", got.SpawnPosition)
		return nil
	}
	slog.Info("spawn position saved", "spawn", p)
	return nil
}

func (db *DB) loadConfig(ctx context.Context) (Config, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM bot_config WHERE key = ?`, configKey).Scan(&raw)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
