// Package command routes inbound chat text to handlers: prefixed commands
// through an immutable table with role tiers, everything else through a
// keyword scan.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/daikelcutino-spec/barbot/journal"
	"github.com/daikelcutino-spec/barbot/room"
)

type Tier int

const (
	TierPublic Tier = iota
	TierStaff       // owner or admin
)

// Roles holds the two privileged identities.
type Roles struct {
	Owner string
	Admin string
}

func (r Roles) Privileged(id string) bool {
	return id != "" && (id == r.Owner || id == r.Admin)
}

type Request struct {
	Sender  room.Occupant
	Channel room.Channel
	Args    []string // original casing
	Keyword string   // set for keyword matches
}

type Handler func(ctx context.Context, req Request) error

type Definition struct {
	Name    string
	Tier    Tier
	Usage   string
	Handler Handler
}

type Keyword struct {
	Word    string
	Handler Handler
}

// Outcome tells which branch Route took.
type Outcome int

const (
	Ignored Outcome = iota
	Handled
	Denied
	Unknown
	Matched
	Failed
	Throttled
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Denied:
		return "denied"
	case Unknown:
		return "unknown"
	case Matched:
		return "keyword"
	case Failed:
		return "failed"
	case Throttled:
		return "throttled"
	}
	return "ignored"
}

// Replier sends the router's own replies (denials, apologies).
type Replier interface {
	SendDirect(ctx context.Context, occupantID, text string) error
}

type Config struct {
	Prefixes []string
	Roles    Roles
	Denied   string
	Apology  string
	Out      Replier
	Journal  journal.Recorder
	Throttle *Throttle // nil disables throttling
}

type Router struct {
	prefixes []string
	roles    Roles
	denied   string
	apology  string
	out      Replier
	journal  journal.Recorder
	throttle *Throttle

	table    map[string]Definition
	defs     []Definition
	keywords []Keyword
}

// NewRouter builds the router. The table and keyword list are copied and
// never change afterwards.
func NewRouter(cfg Config, defs []Definition, keywords []Keyword) (*Router, error) {
	if len(cfg.Prefixes) == 0 {
		return nil, errors.New("router needs at least one prefix")
	}
	if cfg.Out == nil {
		return nil, errors.New("router needs a replier")
	}
	r := &Router{
		roles:    cfg.Roles,
		denied:   cfg.Denied,
		apology:  cfg.Apology,
		out:      cfg.Out,
		journal:  cfg.Journal,
		throttle: cfg.Throttle,
		table:    make(map[string]Definition, len(defs)),
	}
	if r.journal == nil {
		r.journal = journal.Discard{}
	}
	for _, p := range cfg.Prefixes {
		r.prefixes = append(r.prefixes, Normalize(p))
	}
	for _, d := range defs {
		name := Normalize(d.Name)
		if name == "" || d.Handler == nil {
			return nil, fmt.Errorf("command %q: empty name or nil handler", d.Name)
		}
		if _, dup := r.table[name]; dup {
			return nil, fmt.Errorf("command %q defined twice", name)
		}
		d.Name = name
		r.table[name] = d
		r.defs = append(r.defs, d)
	}
	for _, k := range keywords {
		word := Normalize(k.Word)
		if word == "" || k.Handler == nil {
			return nil, fmt.Errorf("keyword %q: empty word or nil handler", k.Word)
		}
		r.keywords = append(r.keywords, Keyword{Word: word, Handler: k.Handler})
	}
	return r, nil
}

// Visible lists the commands a sender may run, in table order.
func (r *Router) Visible(senderID string) []Definition {
	staff := r.roles.Privileged(senderID)
	var out []Definition
	for _, d := range r.defs {
		if d.Tier == TierPublic || staff {
			out = append(out, d)
		}
	}
	return out
}

func (r *Router) Prefix() string {
	return r.prefixes[0]
}

// Route dispatches one inbound message. It never panics and never returns an
// error: handler failures become an apology to the sender.
func (r *Router) Route(ctx context.Context, sender room.Occupant, raw string, ch room.Channel) Outcome {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Ignored
	}

	if token, args, ok := r.split(fields); ok {
		def, found := r.table[token]
		if !found {
			slog.Debug("unknown command", "token", token, "sender", sender.ID)
			return Unknown
		}
		if def.Tier == TierStaff && !r.roles.Privileged(sender.ID) {
			slog.Info("command denied", "command", def.Name, "sender", sender.ID)
			r.journal.Record(journal.Entry{Kind: journal.KindDenied, Actor: sender.ID, Detail: def.Name})
			if err := r.out.SendDirect(ctx, sender.ID, r.denied); err != nil {
				slog.Warn("denial not delivered", "sender", sender.ID, "err", err)
			}
			return Denied
		}
		if !r.allow(sender.ID) {
			return Throttled
		}
		req := Request{Sender: sender, Channel: ch, Args: args}
		return r.invoke(ctx, def.Name, def.Handler, req, journal.KindCommand, Handled)
	}

	text := Normalize(raw)
	for _, k := range r.keywords {
		if !strings.Contains(text, k.Word) {
			continue
		}
		if !r.allow(sender.ID) {
			return Throttled
		}
		req := Request{Sender: sender, Channel: ch, Keyword: k.Word}
		return r.invoke(ctx, k.Word, k.Handler, req, journal.KindKeyword, Matched)
	}
	return Ignored
}

// split recognises a prefixed command. "!menu x" and "! menu x" both yield
// token "menu" and args ["x"].
func (r *Router) split(fields []string) (token string, args []string, ok bool) {
	head := Normalize(fields[0])
	for _, p := range r.prefixes {
		if !strings.HasPrefix(head, p) {
			continue
		}
		token = strings.TrimPrefix(head, p)
		args = fields[1:]
		if token == "" && len(args) > 0 {
			token, args = Normalize(args[0]), args[1:]
		}
		return token, args, true
	}
	return "", nil, false
}

func (r *Router) allow(senderID string) bool {
	if r.throttle == nil || r.roles.Privileged(senderID) {
		return true
	}
	if r.throttle.Allow(senderID) {
		return true
	}
	slog.Debug("sender throttled", "sender", senderID)
	return false
}

func (r *Router) invoke(ctx context.Context, name string, h Handler, req Request, kind string, success Outcome) Outcome {
	err := safeCall(ctx, h, req)
	if err != nil {
		slog.Error("handler failed", "handler", name, "sender", req.Sender.ID, "err", err)
		r.journal.Record(journal.Entry{Kind: journal.KindFailed, Actor: req.Sender.ID, Detail: name, Fields: map[string]any{"err": err.Error()}})
		if sendErr := r.out.SendDirect(ctx, req.Sender.ID, r.apology); sendErr != nil {
			slog.Warn("apology not delivered", "sender", req.Sender.ID, "err", sendErr)
		}
		return Failed
	}
	r.journal.Record(journal.Entry{Kind: kind, Actor: req.Sender.ID, Detail: name})
	return success
}

func safeCall(ctx context.Context, h Handler, req Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, req)
}
