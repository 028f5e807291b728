// Package dispatch sends public and direct chat messages for the scheduler
// and the command router.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daikelcutino-spec/barbot/room"
)

// Sender is the platform's outbound chat surface.
type Sender interface {
	SendPublicMessage(ctx context.Context, text string) error
	SendDirectMessage(ctx context.Context, occupantID, text string) error
}

const DefaultTimeout = 10 * time.Second

type Dispatcher struct {
	sender  Sender
	timeout time.Duration
}

func New(sender Sender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{sender: sender, timeout: timeout}
}

func (d *Dispatcher) SendPublic(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.SendPublicMessage(ctx, text); err != nil {
		slog.Warn("public send failed", "err", err)
		return fmt.Errorf("send public: %w", err)
	}
	return nil
}

func (d *Dispatcher) SendDirect(ctx context.Context, occupantID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.SendDirectMessage(ctx, occupantID, text); err != nil {
		slog.Warn("direct send failed", "to", occupantID, "err", err)
		return fmt.Errorf("send direct to %s: %w", occupantID, err)
	}
	return nil
}

// Report summarizes one fan-out.
type Report struct {
	Attempted int
	Delivered int
	Failed    []string // occupant ids
}

// FanOut sends one direct message per recipient. A failure for one recipient
// is recorded and skipped; only cancellation of ctx stops the loop early.
func (d *Dispatcher) FanOut(ctx context.Context, recipients []room.Occupant, render func(room.Occupant) string) Report {
	var rep Report
	for _, o := range recipients {
		if ctx.Err() != nil {
			break
		}
		rep.Attempted++
		if err := d.SendDirect(ctx, o.ID, render(o)); err != nil {
			rep.Failed = append(rep.Failed, o.ID)
			continue
		}
		rep.Delivered++
	}
	return rep
}
