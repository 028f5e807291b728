package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daikelcutino-spec/barbot/bot"
	"github.com/daikelcutino-spec/barbot/command"
	"github.com/daikelcutino-spec/barbot/journal"
	"github.com/daikelcutino-spec/barbot/persona"
	"github.com/daikelcutino-spec/barbot/platform"
	"github.com/daikelcutino-spec/barbot/store"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		slog.Error("barbot failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()})))

	p, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		slog.Warn("persona not loaded, using built-in", "path", cfg.PersonaPath, "err", err)
		p = persona.Default()
	}

	database, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	identity, err := platform.LoadIdentity(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("device key: %w", err)
	}

	var rec journal.Recorder = journal.Discard{}
	if cfg.JournalDir != "" {
		w := journal.NewWriter(cfg.JournalDir, "barbot")
		defer w.Close()
		rec = w
	}

	sess, err := bot.New(bot.Config{
		Persona: p,
		Roles:   command.Roles{Owner: cfg.OwnerID, Admin: cfg.AdminID},
		Spawn:   database,
		Journal: rec,
		Dial: func(ctx context.Context) (bot.Conn, error) {
			return platform.Dial(ctx, platform.Config{
				URL:      cfg.URL,
				Token:    cfg.Token,
				Room:     cfg.Room,
				Identity: identity,
			})
		},
		SendTimeout:  cfg.SendTimeout,
		QueryTimeout: cfg.SendTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HealthAddr != "" {
		srv := &http.Server{Addr: cfg.HealthAddr, Handler: healthHandler(sess), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	slog.Info("barbot starting", "persona", p.Name, "room", cfg.Room, "device", identity.DeviceID)
	err = sess.Run(ctx)
	slog.Info("barbot stopped")
	return err
}

func healthHandler(sess *bot.Session) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		if !sess.Connected() {
			status = "disconnected"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"behaviors": sess.Stats(),
		})
	})
	return mux
}
