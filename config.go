package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/daikelcutino-spec/barbot/roomcode"
)

// Config is read from BARBOT_* variables first; flags override.
type Config struct {
	URL         string        `env:"BARBOT_URL"`
	Token       string        `env:"BARBOT_TOKEN"`
	Room        string        `env:"BARBOT_ROOM"`
	RoomCode    string        `env:"BARBOT_ROOM_CODE"`
	OwnerID     string        `env:"BARBOT_OWNER_ID"`
	AdminID     string        `env:"BARBOT_ADMIN_ID"`
	DBPath      string        `env:"BARBOT_DB" envDefault:"barbot.db"`
	KeyPath     string        `env:"BARBOT_KEY" envDefault:"barbot.key"`
	PersonaPath string        `env:"BARBOT_PERSONA"`
	JournalDir  string        `env:"BARBOT_JOURNAL_DIR"`
	HealthAddr  string        `env:"BARBOT_HEALTH_ADDR"`
	LogLevel    string        `env:"BARBOT_LOG_LEVEL" envDefault:"info"`
	SendTimeout time.Duration `env:"BARBOT_SEND_TIMEOUT" envDefault:"10s"`
}

var errHelp = errors.New("help requested")

func LoadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("barbot", pflag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", cfg.URL, "platform websocket URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "platform bot token")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "room id to join")
	fs.StringVar(&cfg.RoomCode, "room-code", cfg.RoomCode, "room code (overrides --url and --room)")
	fs.StringVar(&cfg.OwnerID, "owner", cfg.OwnerID, "owner occupant id")
	fs.StringVar(&cfg.AdminID, "admin", cfg.AdminID, "admin occupant id")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "device key file, created on first run")
	fs.StringVar(&cfg.PersonaPath, "persona", cfg.PersonaPath, "persona YAML file (default: built-in)")
	fs.StringVar(&cfg.JournalDir, "journal-dir", cfg.JournalDir, "directory for the activity journal (empty disables it)")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "listen address for /health (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "timeout for each platform call")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, errHelp
		}
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if cfg.RoomCode != "" {
		code, err := roomcode.Parse(cfg.RoomCode)
		if err != nil {
			return Config{}, fmt.Errorf("room code: %w", err)
		}
		cfg.URL, cfg.Room = code.URL, code.Room
	}
	if cfg.URL == "" || cfg.Room == "" {
		return Config{}, errors.New("platform URL and room are required (--url/--room or --room-code)")
	}
	if cfg.OwnerID == "" {
		slog.Warn("no owner configured, staff commands only work for the admin")
	}
	return cfg, nil
}

func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}
