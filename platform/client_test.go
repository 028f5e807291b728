package platform_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/daikelcutino-spec/barbot/platform"
	"github.com/daikelcutino-spec/barbot/platform/platformtest"
	"github.com/daikelcutino-spec/barbot/room"
)

var botSelf = room.Occupant{ID: "bot-1", Name: "Barman", Position: room.Origin()}

func dial(t *testing.T, h *platformtest.Host) *platform.Client {
	t.Helper()
	id, err := platform.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := platform.Dial(ctx, platform.Config{URL: h.URL(), Token: h.Token, Room: h.Room, Identity: id})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newHost(t *testing.T) *platformtest.Host {
	t.Helper()
	h := platformtest.New("secret", "lobby", botSelf)
	t.Cleanup(h.Close)
	return h
}

func TestDialAuthenticates(t *testing.T) {
	h := newHost(t)
	c := dial(t, h)
	if c.Self() != botSelf {
		t.Errorf("Self = %+v, want %+v", c.Self(), botSelf)
	}
	if h.Accepted() != 1 {
		t.Errorf("accepted = %d, want 1", h.Accepted())
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	h := newHost(t)
	id, _ := platform.NewIdentity()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := platform.Dial(ctx, platform.Config{URL: h.URL(), Token: "wrong", Room: h.Room, Identity: id})
	var werr *platform.WireError
	if !errors.As(err, &werr) || werr.Code != "AUTH_FAILED" {
		t.Fatalf("Dial err = %v, want AUTH_FAILED", err)
	}
}

func TestRequests(t *testing.T) {
	h := newHost(t)
	ana := room.Occupant{ID: "u-ana", Name: "Ana", Position: room.At(1, 0, 2)}
	h.SetOccupants(ana)
	h.SetOutfit(ana.ID, room.Outfit{Items: []room.OutfitItem{{ID: "shirt-7", Type: "shirt", Palette: 2}}})
	c := dial(t, h)
	ctx := context.Background()

	occupants, err := c.QueryOccupants(ctx)
	if err != nil {
		t.Fatalf("QueryOccupants: %v", err)
	}
	if len(occupants) != 2 || occupants[1] != ana {
		t.Errorf("occupants = %+v", occupants)
	}

	if err := c.SendDirectMessage(ctx, ana.ID, "hola"); err != nil {
		t.Fatalf("SendDirectMessage: %v", err)
	}
	calls := h.Calls(platform.MethodChatDirect)
	if len(calls) != 1 || calls[0].Chat().To != ana.ID || calls[0].Chat().Text != "hola" {
		t.Errorf("direct calls = %+v", calls)
	}

	outfit, err := c.GetAppearance(ctx, ana.ID)
	if err != nil {
		t.Fatalf("GetAppearance: %v", err)
	}
	if err := c.SetAppearance(ctx, outfit); err != nil {
		t.Fatalf("SetAppearance: %v", err)
	}
	if worn, ok := h.Outfit(botSelf.ID); !ok || len(worn.Items) != 1 || worn.Items[0].ID != "shirt-7" {
		t.Errorf("bot outfit = %+v", worn)
	}

	if err := c.MoveTo(ctx, room.At(3, 1, 7.5)); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	occupants, _ = c.QueryOccupants(ctx)
	if occupants[0].Position != room.At(3, 1, 7.5) {
		t.Errorf("bot position = %v", occupants[0].Position)
	}

	if _, err := c.GetAppearance(ctx, "nobody"); err == nil {
		t.Error("expected error for missing outfit")
	}
}

func TestInjectedFailure(t *testing.T) {
	h := newHost(t)
	c := dial(t, h)
	h.Fail(platform.MethodEmote, 1)
	if err := c.TriggerAnimation(context.Background(), "emote-wave", ""); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := c.TriggerAnimation(context.Background(), "emote-wave", ""); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	h := newHost(t)
	c := dial(t, h)
	h.Stall(platform.MethodChatPublic, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SendPublicMessage(ctx, "hi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestEventsAndDisconnect(t *testing.T) {
	h := newHost(t)
	c := dial(t, h)

	ana := room.Occupant{ID: "u-ana", Name: "Ana", Position: room.At(2, 0, 4)}
	h.Join(ana)
	h.Say(ana, "!menu", true)

	want := []platform.Event{
		{Kind: platform.OccupantJoined, Occupant: ana},
		{Kind: platform.ChatReceived, Occupant: ana, Text: "!menu", Channel: room.Direct},
	}
	for i, w := range want {
		select {
		case got := <-c.Events():
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}

	h.DropAll()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the drop")
	}
	if err := c.SendPublicMessage(context.Background(), "hi"); !errors.Is(err, platform.ErrNotConnected) {
		t.Errorf("send after drop = %v, want ErrNotConnected", err)
	}
}

func TestLoadIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device.key")
	a, err := platform.LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	b, err := platform.LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity again: %v", err)
	}
	if a.DeviceID != b.DeviceID {
		t.Errorf("device id changed: %s != %s", a.DeviceID, b.DeviceID)
	}
}
