package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daikelcutino-spec/barbot/journal"
	"github.com/daikelcutino-spec/barbot/persona"
	"github.com/daikelcutino-spec/barbot/room"
	"github.com/daikelcutino-spec/barbot/scheduler"
)

type Occupancy interface {
	Current(ctx context.Context) ([]room.Occupant, error)
}

type SpawnStore interface {
	SaveSpawn(ctx context.Context, p room.Position) error
}

type Wardrobe interface {
	GetAppearance(ctx context.Context, occupantID string) (room.Outfit, error)
	SetAppearance(ctx context.Context, outfit room.Outfit) error
}

type Mover interface {
	MoveTo(ctx context.Context, p room.Position) error
}

type Broadcaster interface {
	Trigger(ctx context.Context, name string) error
	Stats() []scheduler.Stats
}

// Deps is everything the bartender commands touch.
type Deps struct {
	Persona           persona.Persona
	Roles             Roles
	Out               Replier
	Occupancy         Occupancy
	Spawn             SpawnStore
	Wardrobe          Wardrobe
	Mover             Mover
	Scheduler         Broadcaster
	BroadcastBehavior string
	Journal           journal.Recorder
	Started           time.Time
}

type bar struct {
	Deps
	router *Router
}

// NewBar builds the router with the bartender command table and one keyword
// rule per menu keyword.
func NewBar(d Deps) (*Router, error) {
	b := &bar{Deps: d}
	p := d.Persona
	defs := []Definition{
		{Name: p.Commands.Menu, Tier: TierPublic, Handler: b.menu},
		{Name: p.Commands.Order, Tier: TierPublic, Usage: "<item>", Handler: b.order},
		{Name: p.Commands.Help, Tier: TierPublic, Handler: b.help},
		{Name: p.Commands.Capture, Tier: TierStaff, Handler: b.capture},
		{Name: p.Commands.Copy, Tier: TierStaff, Usage: "[name]", Handler: b.copyOutfit},
		{Name: p.Commands.Status, Tier: TierStaff, Handler: b.status},
		{Name: p.Commands.Broadcast, Tier: TierStaff, Handler: b.broadcastNow},
	}
	var keywords []Keyword
	for _, item := range p.Menu {
		for _, w := range item.Keywords {
			keywords = append(keywords, Keyword{Word: w, Handler: b.serveItem(item)})
		}
	}

	var throttle *Throttle
	if p.Throttle.Every > 0 && p.Throttle.Burst > 0 {
		throttle = NewThrottle(p.Throttle.Every, p.Throttle.Burst)
	}
	r, err := NewRouter(Config{
		Prefixes: p.Prefixes,
		Roles:    d.Roles,
		Denied:   p.Replies.Denied,
		Apology:  p.Replies.Apology,
		Out:      d.Out,
		Journal:  d.Journal,
		Throttle: throttle,
	}, defs, keywords)
	if err != nil {
		return nil, err
	}
	b.router = r
	return r, nil
}

func (b *bar) reply(ctx context.Context, req Request, text string) error {
	return b.Out.SendDirect(ctx, req.Sender.ID, text)
}

func (b *bar) menu(ctx context.Context, req Request) error {
	names := make([]string, 0, len(b.Persona.Menu))
	for _, item := range b.Persona.Menu {
		names = append(names, item.Name)
	}
	return b.reply(ctx, req, "Menu: "+strings.Join(names, ", "))
}

func (b *bar) order(ctx context.Context, req Request) error {
	if len(req.Args) == 0 {
		return b.reply(ctx, req, b.Persona.Replies.OrderUsage)
	}
	want := strings.Join(req.Args, " ")
	item, ok := b.lookup(want)
	if !ok {
		return b.reply(ctx, req, persona.Fill(b.Persona.Replies.UnknownItem, "item", want))
	}
	return b.serveItem(item)(ctx, req)
}

func (b *bar) lookup(want string) (persona.Item, bool) {
	want = Normalize(want)
	for _, item := range b.Persona.Menu {
		if Normalize(item.Name) == want {
			return item, true
		}
	}
	for _, item := range b.Persona.Menu {
		for _, w := range item.Keywords {
			if Normalize(w) == want {
				return item, true
			}
		}
	}
	return persona.Item{}, false
}

func (b *bar) serveItem(item persona.Item) Handler {
	return func(ctx context.Context, req Request) error {
		return b.reply(ctx, req, persona.Fill(item.Serve, "name", req.Sender.Name))
	}
}

func (b *bar) help(ctx context.Context, req Request) error {
	prefix := b.router.Prefix()
	var lines []string
	for _, d := range b.router.Visible(req.Sender.ID) {
		line := prefix + d.Name
		if d.Usage != "" {
			line += " " + d.Usage
		}
		lines = append(lines, line)
	}
	return b.reply(ctx, req, strings.Join(lines, "\n"))
}

func (b *bar) capture(ctx context.Context, req Request) error {
	occupants, err := b.Occupancy.Current(ctx)
	if err != nil {
		return err
	}
	self, ok := room.Find(occupants, req.Sender.ID)
	if !ok {
		return b.reply(ctx, req, b.Persona.Replies.PositionMissing)
	}
	if err := b.Spawn.SaveSpawn(ctx, self.Position); err != nil {
		return fmt.Errorf("save spawn: %w", err)
	}
	if err := b.Mover.MoveTo(ctx, self.Position); err != nil {
		return fmt.Errorf("move to spawn: %w", err)
	}
	return b.reply(ctx, req, persona.Fill(b.Persona.Replies.PositionSaved, "position", self.Position.String()))
}

func (b *bar) copyOutfit(ctx context.Context, req Request) error {
	target := req.Sender
	if len(req.Args) > 0 {
		name := strings.Join(req.Args, " ")
		occupants, err := b.Occupancy.Current(ctx)
		if err != nil {
			return err
		}
		found, ok := room.FindByName(occupants, name)
		if !ok {
			return b.reply(ctx, req, persona.Fill(b.Persona.Replies.TargetMissing, "name", name))
		}
		target = found
	}
	outfit, err := b.Wardrobe.GetAppearance(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("get outfit of %s: %w", target.ID, err)
	}
	if err := b.Wardrobe.SetAppearance(ctx, outfit); err != nil {
		return fmt.Errorf("set outfit: %w", err)
	}
	return b.reply(ctx, req, persona.Fill(b.Persona.Replies.AppearanceCopied, "name", target.Name))
}

func (b *bar) status(ctx context.Context, req Request) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s up %s", b.Persona.Name, strings.TrimSpace(humanize.RelTime(b.Started, time.Now(), "", "")))
	for _, s := range b.Scheduler.Stats() {
		fmt.Fprintf(&sb, "\n%s: %s runs, %s failures", s.Name, humanize.Comma(s.Runs), humanize.Comma(s.Failures))
		if !s.LastRun.IsZero() {
			fmt.Fprintf(&sb, ", last %s", humanize.Time(s.LastRun))
		}
		if s.LastError != "" {
			fmt.Fprintf(&sb, " (%s)", s.LastError)
		}
	}
	return b.reply(ctx, req, sb.String())
}

func (b *bar) broadcastNow(ctx context.Context, req Request) error {
	err := b.Scheduler.Trigger(ctx, b.BroadcastBehavior)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		return b.reply(ctx, req, b.Persona.Replies.BroadcastBusy)
	case err != nil:
		return err
	}
	return b.reply(ctx, req, b.Persona.Replies.BroadcastDone)
}
