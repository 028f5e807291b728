package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/daikelcutino-spec/barbot/dispatch"
	"github.com/daikelcutino-spec/barbot/journal"
	"github.com/daikelcutino-spec/barbot/room"
)

type Occupancy interface {
	Current(ctx context.Context) ([]room.Occupant, error)
}

type FanOuter interface {
	FanOut(ctx context.Context, recipients []room.Occupant, render func(room.Occupant) string) dispatch.Report
}

// MessageCycle whispers one template per step to everyone in the room,
// rotating through the templates. The index lives in memory only and is
// touched exclusively by Step, which the scheduler never runs concurrently.
type MessageCycle struct {
	templates []string
	index     int
	occupancy Occupancy
	out       FanOuter
	exclude   func() []string
	journal   journal.Recorder
}

// NewMessageCycle builds a cycle. exclude is consulted on every step; the
// occupants whose ids it returns (the bot itself, co-operating bots) never
// receive messages. A nil exclude skips nobody.
func NewMessageCycle(templates []string, occupancy Occupancy, out FanOuter, rec journal.Recorder, exclude func() []string) (*MessageCycle, error) {
	if len(templates) == 0 {
		return nil, errors.New("message cycle needs at least one template")
	}
	if rec == nil {
		rec = journal.Discard{}
	}
	return &MessageCycle{
		templates: templates,
		occupancy: occupancy,
		out:       out,
		exclude:   exclude,
		journal:   rec,
	}, nil
}

func (c *MessageCycle) skipped() map[string]bool {
	if c.exclude == nil {
		return nil
	}
	ids := c.exclude()
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			skip[id] = true
		}
	}
	return skip
}

func (c *MessageCycle) Index() int {
	return c.index
}

// Step runs one cycle. A failed snapshot skips the cycle without moving the
// index; per-recipient send failures do not.
func (c *MessageCycle) Step(ctx context.Context) error {
	occupants, err := c.occupancy.Current(ctx)
	if err != nil {
		return err
	}
	recipients := room.Without(occupants, c.skipped())

	tpl := c.templates[c.index]
	rep := c.out.FanOut(ctx, recipients, func(o room.Occupant) string {
		return strings.ReplaceAll(tpl, "{name}", o.Name)
	})
	if len(rep.Failed) > 0 {
		slog.Warn("broadcast incomplete", "index", c.index, "failed", rep.Failed)
	}
	slog.Debug("broadcast cycle done", "index", c.index, "attempted", rep.Attempted, "delivered", rep.Delivered)
	c.journal.Record(journal.Entry{
		Kind:   journal.KindBroadcast,
		Detail: tpl,
		Fields: map[string]any{
			"index":     c.index,
			"attempted": rep.Attempted,
			"delivered": rep.Delivered,
			"failed":    len(rep.Failed),
		},
	})

	c.index = (c.index + 1) % len(c.templates)
	return nil
}
