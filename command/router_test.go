package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daikelcutino-spec/barbot/persona"
	"github.com/daikelcutino-spec/barbot/room"
	"github.com/daikelcutino-spec/barbot/scheduler"
	"github.com/daikelcutino-spec/barbot/store"
)

const (
	ownerID = "owner-1"
	adminID = "admin-1"
)

type sent struct {
	to   string
	text string
}

type fakeOut struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeOut) SendDirect(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{id, text})
	return f.err
}

func (f *fakeOut) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type fakeRoom struct {
	occupants []room.Occupant
	err       error
}

func (f *fakeRoom) Current(ctx context.Context) ([]room.Occupant, error) {
	return f.occupants, f.err
}

type fakeBot struct {
	moves   []room.Position
	outfits map[string]room.Outfit
	worn    *room.Outfit
}

func (f *fakeBot) MoveTo(ctx context.Context, p room.Position) error {
	f.moves = append(f.moves, p)
	return nil
}

func (f *fakeBot) GetAppearance(ctx context.Context, id string) (room.Outfit, error) {
	o, ok := f.outfits[id]
	if !ok {
		return room.Outfit{}, errors.New("no outfit")
	}
	return o, nil
}

func (f *fakeBot) SetAppearance(ctx context.Context, o room.Outfit) error {
	f.worn = &o
	return nil
}

type fakeSpawn struct {
	saved []room.Position
}

func (f *fakeSpawn) SaveSpawn(ctx context.Context, p room.Position) error {
	f.saved = append(f.saved, p)
	return nil
}

type fakeScheduler struct {
	err      error
	triggers []string
}

func (f *fakeScheduler) Trigger(ctx context.Context, name string) error {
	f.triggers = append(f.triggers, name)
	return f.err
}

func (f *fakeScheduler) Stats() []scheduler.Stats {
	return []scheduler.Stats{{Name: "broadcast", Runs: 1200, Failures: 3, LastRun: time.Now()}}
}

type fixture struct {
	router *Router
	out    *fakeOut
	room   *fakeRoom
	bot    *fakeBot
	spawn  *fakeSpawn
	sched  *fakeScheduler
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	p := persona.Default()
	p.Throttle = persona.Throttle{}
	f := &fixture{
		out:   &fakeOut{},
		room:  &fakeRoom{},
		bot:   &fakeBot{outfits: map[string]room.Outfit{}},
		spawn: &fakeSpawn{},
		sched: &fakeScheduler{},
	}
	d := Deps{
		Persona:           p,
		Roles:             Roles{Owner: ownerID, Admin: adminID},
		Out:               f.out,
		Occupancy:         f.room,
		Spawn:             f.spawn,
		Wardrobe:          f.bot,
		Mover:             f.bot,
		Scheduler:         f.sched,
		BroadcastBehavior: "broadcast",
		Started:           time.Now().Add(-3 * time.Hour),
	}
	if mutate != nil {
		mutate(&d)
	}
	r, err := NewBar(d)
	if err != nil {
		t.Fatalf("NewBar: %v", err)
	}
	f.router = r
	return f
}

var guest = room.Occupant{ID: "guest-1", Name: "Ana"}

func TestKeywordFallbackRepliesOnce(t *testing.T) {
	f := newFixture(t, nil)
	got := f.router.Route(context.Background(), guest, "quiero una cerveza por favor", room.Public)
	if got != Matched {
		t.Fatalf("outcome = %v, want keyword", got)
	}
	msgs := f.out.all()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %v", len(msgs), msgs)
	}
	if msgs[0].to != guest.ID || !strings.Contains(msgs[0].text, "cerveza") || !strings.Contains(msgs[0].text, "Ana") {
		t.Errorf("reply = %+v", msgs[0])
	}
}

func TestNoKeywordNoReply(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.router.Route(context.Background(), guest, "hola a todos", room.Public); got != Ignored {
		t.Errorf("outcome = %v, want ignored", got)
	}
	if n := len(f.out.all()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestKeywordIgnoresAccentsAndCase(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.router.Route(context.Background(), guest, "Un CAFÉ por favor", room.Direct); got != Matched {
		t.Fatalf("outcome = %v, want keyword", got)
	}
	if msgs := f.out.all(); len(msgs) != 1 || !strings.Contains(msgs[0].text, "Café") {
		t.Errorf("replies = %v", msgs)
	}
}

func TestUnknownCommandIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.router.Route(context.Background(), guest, "!dance now", room.Public); got != Unknown {
		t.Errorf("outcome = %v, want unknown", got)
	}
	if n := len(f.out.all()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestDeniedHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.room.occupants = []room.Occupant{{ID: guest.ID, Name: guest.Name, Position: room.At(1, 2, 3)}}

	for _, text := range []string{"!position-capture", "!appearance-copy", "/broadcast-now", "!status"} {
		if got := f.router.Route(context.Background(), guest, text, room.Public); got != Denied {
			t.Errorf("%s: outcome = %v, want denied", text, got)
		}
	}
	if len(f.spawn.saved) != 0 || len(f.bot.moves) != 0 || f.bot.worn != nil || len(f.sched.triggers) != 0 {
		t.Errorf("side effects: saved=%v moves=%v worn=%v triggers=%v", f.spawn.saved, f.bot.moves, f.bot.worn, f.sched.triggers)
	}
	msgs := f.out.all()
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want 4", len(msgs))
	}
	for _, m := range msgs {
		if m.to != guest.ID || m.text != persona.Default().Replies.Denied {
			t.Errorf("denial = %+v", m)
		}
	}
}

func TestSpacedPrefixAndCase(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.router.Route(context.Background(), guest, "!  MENU", room.Public); got != Handled {
		t.Errorf("outcome = %v, want handled", got)
	}
	if msgs := f.out.all(); len(msgs) != 1 || !strings.HasPrefix(msgs[0].text, "Menu: cerveza") {
		t.Errorf("replies = %v", msgs)
	}
}

func TestOrder(t *testing.T) {
	replies := persona.Default().Replies
	tests := []struct {
		text string
		want string
	}{
		{"!order mojito", "mojito"},
		{"!order Café", "Café recién hecho, Ana"},
		{"!order chela", "cerveza"},
		{"!order tequila", "No tenemos tequila"},
		{"!order", replies.OrderUsage},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, nil)
			if got := f.router.Route(context.Background(), guest, tt.text, room.Public); got != Handled {
				t.Fatalf("outcome = %v, want handled", got)
			}
			msgs := f.out.all()
			if len(msgs) != 1 || !strings.Contains(msgs[0].text, tt.want) {
				t.Errorf("replies = %v, want one containing %q", msgs, tt.want)
			}
		})
	}
}

func TestHelpListsByTier(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Route(context.Background(), guest, "!help", room.Public)
	f.router.Route(context.Background(), room.Occupant{ID: adminID, Name: "Admin"}, "!help", room.Public)
	msgs := f.out.all()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	if strings.Contains(msgs[0].text, "position-capture") || !strings.Contains(msgs[0].text, "!order <item>") {
		t.Errorf("guest help = %q", msgs[0].text)
	}
	if !strings.Contains(msgs[1].text, "!position-capture") || !strings.Contains(msgs[1].text, "!broadcast-now") {
		t.Errorf("admin help = %q", msgs[1].text)
	}
}

func TestHandlerFailureBecomesApology(t *testing.T) {
	f := newFixture(t, nil)
	owner := room.Occupant{ID: ownerID, Name: "Owner"}
	f.room.err = errors.New("platform down")

	if got := f.router.Route(context.Background(), owner, "!position-capture", room.Direct); got != Failed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	msgs := f.out.all()
	if len(msgs) != 1 || msgs[0].text != persona.Default().Replies.Apology {
		t.Errorf("replies = %v, want apology", msgs)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	out := &fakeOut{}
	r, err := NewRouter(Config{Prefixes: []string{"!"}, Apology: "sorry", Out: out},
		[]Definition{{Name: "boom", Handler: func(context.Context, Request) error { panic("kaboom") }}}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if got := r.Route(context.Background(), guest, "!boom", room.Public); got != Failed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if msgs := out.all(); len(msgs) != 1 || msgs[0].text != "sorry" {
		t.Errorf("replies = %v", msgs)
	}
}

func TestCaptureMissingSender(t *testing.T) {
	f := newFixture(t, nil)
	owner := room.Occupant{ID: ownerID, Name: "Owner"}
	f.router.Route(context.Background(), owner, "!position-capture", room.Public)
	if len(f.spawn.saved) != 0 {
		t.Errorf("saved %v, want nothing", f.spawn.saved)
	}
	if msgs := f.out.all(); len(msgs) != 1 || msgs[0].text != persona.Default().Replies.PositionMissing {
		t.Errorf("replies = %v", msgs)
	}
}

func TestOwnerCaptureSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barbot.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := room.At(3.0, 1.0, 7.5)
	owner := room.Occupant{ID: ownerID, Name: "Owner", Position: want}

	f := newFixture(t, func(d *Deps) { d.Spawn = db })
	f.room.occupants = []room.Occupant{guest, owner}

	if got := f.router.Route(context.Background(), owner, "!position-capture", room.Direct); got != Handled {
		t.Fatalf("outcome = %v, want handled", got)
	}
	if len(f.bot.moves) != 1 || f.bot.moves[0] != want {
		t.Errorf("moves = %v, want [%v]", f.bot.moves, want)
	}
	if msgs := f.out.all(); len(msgs) != 1 || !strings.Contains(msgs[0].text, "(3.00, 1.00, 7.50)") {
		t.Errorf("replies = %v", msgs)
	}
	db.Close()

	db, err = store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if got := db.LoadSpawn(context.Background()); got != want {
		t.Errorf("LoadSpawn after reopen = %v, want %v", got, want)
	}
}

func TestAppearanceCopy(t *testing.T) {
	f := newFixture(t, nil)
	admin := room.Occupant{ID: adminID, Name: "Admin"}
	f.room.occupants = []room.Occupant{guest, admin}
	f.bot.outfits[guest.ID] = room.Outfit{Items: []room.OutfitItem{{ID: "hat-01", Type: "hat"}}}

	if got := f.router.Route(context.Background(), admin, "!appearance-copy @ana", room.Public); got != Handled {
		t.Fatalf("outcome = %v, want handled", got)
	}
	if f.bot.worn == nil || len(f.bot.worn.Items) != 1 || f.bot.worn.Items[0].ID != "hat-01" {
		t.Errorf("worn = %+v", f.bot.worn)
	}

	f.router.Route(context.Background(), admin, "!appearance-copy Nadie", room.Public)
	msgs := f.out.all()
	if len(msgs) != 2 || !strings.Contains(msgs[1].text, "Nadie") {
		t.Errorf("replies = %v", msgs)
	}
}

func TestBroadcastNow(t *testing.T) {
	replies := persona.Default().Replies
	owner := room.Occupant{ID: ownerID, Name: "Owner"}

	f := newFixture(t, nil)
	f.router.Route(context.Background(), owner, "!broadcast-now", room.Public)
	f.sched.err = scheduler.ErrBusy
	f.router.Route(context.Background(), owner, "!broadcast-now", room.Public)

	if len(f.sched.triggers) != 2 || f.sched.triggers[0] != "broadcast" {
		t.Errorf("triggers = %v", f.sched.triggers)
	}
	msgs := f.out.all()
	if len(msgs) != 2 || msgs[0].text != replies.BroadcastDone || msgs[1].text != replies.BroadcastBusy {
		t.Errorf("replies = %v", msgs)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Route(context.Background(), room.Occupant{ID: ownerID}, "!status", room.Direct)
	msgs := f.out.all()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	for _, want := range []string{"Barman up 3 hours", "broadcast: 1,200 runs, 3 failures"} {
		if !strings.Contains(msgs[0].text, want) {
			t.Errorf("status %q missing %q", msgs[0].text, want)
		}
	}
}

func TestThrottleExemptsStaff(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Persona.Throttle = persona.Throttle{Every: time.Hour, Burst: 2} })
	owner := room.Occupant{ID: ownerID, Name: "Owner"}
	var throttled int
	for range 5 {
		if f.router.Route(context.Background(), guest, "!menu", room.Public) == Throttled {
			throttled++
		}
		if got := f.router.Route(context.Background(), owner, "!menu", room.Public); got != Handled {
			t.Errorf("owner outcome = %v", got)
		}
	}
	if throttled != 3 {
		t.Errorf("guest throttled %d times, want 3", throttled)
	}
}

func TestThrottledGuestStillGetsDenial(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Persona.Throttle = persona.Throttle{Every: time.Hour, Burst: 1} })

	if got := f.router.Route(context.Background(), guest, "!menu", room.Public); got != Handled {
		t.Fatalf("first command = %v, want handled", got)
	}
	if got := f.router.Route(context.Background(), guest, "!position-capture", room.Public); got != Denied {
		t.Fatalf("staff command after burst = %v, want denied", got)
	}
	msgs := f.out.all()
	last := msgs[len(msgs)-1]
	if last.to != guest.ID || last.text != persona.Default().Replies.Denied {
		t.Errorf("last message = %+v, want denial", last)
	}
	if got := f.router.Route(context.Background(), guest, "!menu", room.Public); got != Throttled {
		t.Errorf("public command after burst = %v, want throttled", got)
	}
}

func TestDenialSendFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t, nil)
	f.out.err = errors.New("connection closed")
	if got := f.router.Route(context.Background(), guest, "!status", room.Direct); got != Denied {
		t.Fatalf("outcome = %v, want denied", got)
	}
	if len(f.out.all()) != 1 {
		t.Errorf("denial attempts = %d, want 1", len(f.out.all()))
	}
	if out := logs.String(); !strings.Contains(out, "denial not delivered") || !strings.Contains(out, "connection closed") {
		t.Errorf("log = %q, want denial failure", out)
	}
}

func TestNewRouterRejectsDuplicates(t *testing.T) {
	h := func(context.Context, Request) error { return nil }
	_, err := NewRouter(Config{Prefixes: []string{"!"}, Out: &fakeOut{}},
		[]Definition{{Name: "Menu", Handler: h}, {Name: "menu", Handler: h}}, nil)
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  Café ":     "cafe",
		"MOJITO":      "mojito",
		"Piña Colada": "pina colada",
		"":            "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
