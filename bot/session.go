// Package bot runs one bartender session: it keeps a platform connection up,
// feeds room events to the command router and starts the periodic behaviors
// the first time the bot enters the room.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/daikelcutino-spec/barbot/command"
	"github.com/daikelcutino-spec/barbot/dispatch"
	"github.com/daikelcutino-spec/barbot/journal"
	"github.com/daikelcutino-spec/barbot/persona"
	"github.com/daikelcutino-spec/barbot/platform"
	"github.com/daikelcutino-spec/barbot/room"
	"github.com/daikelcutino-spec/barbot/scheduler"
)

const (
	BroadcastBehavior = "broadcast"
	AnimationBehavior = "animation"

	mailboxSize = 32
	mailboxIdle = 5 * time.Minute
)

type Spawn interface {
	LoadSpawn(ctx context.Context) room.Position
	SaveSpawn(ctx context.Context, p room.Position) error
}

type Config struct {
	Persona persona.Persona
	Roles   command.Roles
	Spawn   Spawn
	Journal journal.Recorder
	Dial    func(ctx context.Context) (Conn, error)

	SendTimeout  time.Duration
	QueryTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Session struct {
	cfg      Config
	link     *link
	out      *dispatch.Dispatcher
	snapshot *room.Snapshot
	sched    *scheduler.Scheduler
	router   *command.Router
	coBots   map[string]bool

	selfID    atomic.Value // string
	startOnce sync.Once

	group     *errgroup.Group
	mu        sync.Mutex
	mailboxes map[string]chan platform.Event
}

func New(cfg Config) (*Session, error) {
	if cfg.Dial == nil || cfg.Spawn == nil {
		return nil, errors.New("bot: Dial and Spawn are required")
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Discard{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = dispatch.DefaultTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * cfg.ReconnectMin
	}

	s := &Session{
		cfg:       cfg,
		link:      &link{timeout: max(cfg.SendTimeout, cfg.QueryTimeout)},
		sched:     scheduler.New(),
		coBots:    make(map[string]bool),
		mailboxes: make(map[string]chan platform.Event),
	}
	s.selfID.Store("")
	for _, id := range cfg.Persona.CoBots {
		s.coBots[id] = true
	}
	s.out = dispatch.New(s.link, cfg.SendTimeout)
	s.snapshot = room.NewSnapshot(s.link, cfg.QueryTimeout)

	router, err := command.NewBar(command.Deps{
		Persona:           cfg.Persona,
		Roles:             cfg.Roles,
		Out:               s.out,
		Occupancy:         s.snapshot,
		Spawn:             cfg.Spawn,
		Wardrobe:          s.link,
		Mover:             s.link,
		Scheduler:         s.sched,
		BroadcastBehavior: BroadcastBehavior,
		Journal:           cfg.Journal,
		Started:           time.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Stats reports the periodic behaviors; empty until the first session start.
func (s *Session) Stats() []scheduler.Stats {
	return s.sched.Stats()
}

// Run keeps the bot in the room until ctx is cancelled. It returns after
// every behavior loop and mailbox has stopped. Run must be called once.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error {
		return s.connectLoop(ctx)
	})
	err := g.Wait()
	s.sched.Wait()
	return err
}

func (s *Session) connectLoop(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.ReconnectMin
	retry.MaxInterval = s.cfg.ReconnectMax
	retry.Reset()

	for {
		conn, err := s.cfg.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			slog.Warn("connect failed", "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		retry.Reset()
		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("disconnected from room, reconnecting")
	}
}

func (s *Session) serve(ctx context.Context, conn Conn) {
	s.link.set(conn)
	defer func() {
		s.link.set(nil)
		conn.Close()
	}()

	s.sessionStart(ctx, conn.Self())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) sessionStart(ctx context.Context, self room.Occupant) {
	s.selfID.Store(self.ID)
	slog.Info("session started", "self", self.ID, "name", self.Name)

	spawn := s.cfg.Spawn.LoadSpawn(ctx)
	if err := s.link.MoveTo(ctx, spawn); err != nil {
		slog.Warn("move to spawn failed", "spawn", spawn.String(), "err", err)
	}

	s.startOnce.Do(func() {
		if opening := s.cfg.Persona.Opening; opening != "" {
			if err := s.out.SendPublic(ctx, persona.Fill(opening, "name", s.cfg.Persona.Name)); err != nil {
				slog.Warn("opening not announced", "err", err)
			}
		}
		if err := s.startBehaviors(ctx); err != nil {
			slog.Error("behaviors not started", "err", err)
		}
	})
}

// excluded lists the ids broadcasts skip: the current self id, which changes
// across reconnects, plus the configured co-operating bots.
func (s *Session) excluded() []string {
	ids := []string{s.selfID.Load().(string)}
	return append(ids, s.cfg.Persona.CoBots...)
}

func (s *Session) startBehaviors(ctx context.Context) error {
	p := s.cfg.Persona
	cycle, err := scheduler.NewMessageCycle(p.Broadcast.Messages, s.snapshot, s.out, s.cfg.Journal, s.excluded)
	if err != nil {
		return err
	}
	animator, err := scheduler.NewAnimator(p.Animation.Names, s.link)
	if err != nil {
		return err
	}
	return s.sched.Start(ctx,
		scheduler.Behavior{
			Name:         BroadcastBehavior,
			InitialDelay: p.Broadcast.InitialDelay,
			Interval:     p.Broadcast.Interval,
			RetryDelay:   p.Broadcast.RetryDelay,
			Jitter:       p.Broadcast.Jitter,
			Run:          cycle.Step,
		},
		scheduler.Behavior{
			Name:         AnimationBehavior,
			InitialDelay: p.Animation.InitialDelay,
			Interval:     p.Animation.Interval,
			RetryDelay:   p.Animation.RetryDelay,
			Jitter:       p.Animation.Jitter,
			Run:          animator.Step,
		},
	)
}

func (s *Session) handle(ctx context.Context, ev platform.Event) {
	id := ev.Occupant.ID
	if id == "" || id == s.selfID.Load().(string) {
		return
	}
	if s.coBots[id] {
		return
	}
	s.deliver(ctx, ev)
}

// deliver queues ev on the sender's mailbox, starting its goroutine when
// needed. Events of one sender are handled in order; senders run in parallel.
func (s *Session) deliver(ctx context.Context, ev platform.Event) {
	id := ev.Occupant.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		mb = make(chan platform.Event, mailboxSize)
		s.mailboxes[id] = mb
		s.group.Go(func() error {
			s.drain(ctx, id, mb)
			return nil
		})
	}
	select {
	case mb <- ev:
	default:
		slog.Warn("mailbox full, dropping event", "sender", id)
	}
}

func (s *Session) drain(ctx context.Context, id string, mb chan platform.Event) {
	idle := time.NewTimer(mailboxIdle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-mb:
			s.process(ctx, ev)
			idle.Reset(mailboxIdle)
		case <-idle.C:
			s.mu.Lock()
			if len(mb) == 0 {
				delete(s.mailboxes, id)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(mailboxIdle)
		}
	}
}

func (s *Session) process(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.ChatReceived:
		outcome := s.router.Route(ctx, ev.Occupant, ev.Text, ev.Channel)
		slog.Debug("chat routed", "sender", ev.Occupant.ID, "channel", ev.Channel.String(), "outcome", outcome.String())
	case platform.OccupantJoined:
		s.cfg.Journal.Record(journal.Entry{Kind: journal.KindJoin, Actor: ev.Occupant.ID, Detail: ev.Occupant.Name})
		if greeting := s.cfg.Persona.Greeting; greeting != "" {
			if err := s.out.SendDirect(ctx, ev.Occupant.ID, persona.Fill(greeting, "name", ev.Occupant.Name)); err != nil {
				slog.Warn("greeting not delivered", "occupant", ev.Occupant.ID, "err", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Connected reports whether a platform connection is currently up.
func (s *Session) Connected() bool {
	s.link.mu.RLock()
	defer s.link.mu.RUnlock()
	return s.link.conn != nil
}
