// Package platform is the bot's connection to the room host: a websocket
// carrying req/res/event frames, authenticated with an ed25519 device key.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daikelcutino-spec/barbot/room"
)

var ErrNotConnected = errors.New("not connected")

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
	eventBuffer      = 256
)

type Config struct {
	URL      string
	Token    string
	Room     string
	Identity *Identity
	Dialer   *websocket.Dialer // nil means websocket.DefaultDialer
}

type EventKind int

const (
	OccupantJoined EventKind = iota + 1
	ChatReceived
)

// Event is a decoded room event. Text and Channel are set for chat only.
type Event struct {
	Kind     EventKind
	Occupant room.Occupant
	Text     string
	Channel  room.Channel
}

type Client struct {
	conn *websocket.Conn
	self room.Occupant

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	challenge chan string
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects, answers the host's challenge and returns an authenticated
// client. The returned client reports the bot's own occupant via Self.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Identity == nil {
		return nil, errors.New("platform: identity required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wsURL := websocketURL(cfg.URL)
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Client{
		conn:      conn,
		pending:   make(map[string]chan Frame),
		challenge: make(chan string, 1),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	hello, err := c.authenticate(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	c.self = hello.Self
	slog.Info("platform connected", "url", wsURL, "room", cfg.Room, "self", c.self.ID)
	return c, nil
}

// websocketURL maps http(s) to ws(s) and defaults a bare host to wss.
func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return "wss://" + strings.TrimSuffix(raw, "/")
}

func (c *Client) Self() room.Occupant { return c.self }

// Events delivers room events until the connection ends, then is closed.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("platform connection lost", "err", err)
			}
			c.err = err
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Debug("platform: bad frame", "err", err)
			continue
		}

		switch f.Type {
		case "res":
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			c.handleEvent(f)
		}
	}
}

func (c *Client) handleEvent(f Frame) {
	var ev Event
	switch f.Event {
	case EventChallenge:
		var ch Challenge
		if err := json.Unmarshal(f.Payload, &ch); err == nil && ch.Nonce != "" {
			select {
			case c.challenge <- ch.Nonce:
			default:
			}
		}
		return
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			slog.Debug("platform: bad join payload", "err", err)
			return
		}
		ev = Event{Kind: OccupantJoined, Occupant: p.Occupant}
	case EventChat:
		var p ChatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			slog.Debug("platform: bad chat payload", "err", err)
			return
		}
		ev = Event{Kind: ChatReceived, Occupant: p.From, Text: p.Text, Channel: room.Public}
		if p.Direct {
			ev.Channel = room.Direct
		}
	default:
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("platform event buffer full, dropping event", "event", f.Event)
	}
}

func (c *Client) authenticate(ctx context.Context, cfg Config) (Hello, error) {
	var nonce string
	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case nonce = <-c.challenge:
	case <-timer.C:
		return Hello{}, errors.New("timeout waiting for challenge")
	case <-ctx.Done():
		return Hello{}, ctx.Err()
	case <-c.done:
		return Hello{}, errors.New("connection closed before challenge")
	}

	id := cfg.Identity
	signedAt := time.Now().UnixMilli()
	sig := id.Sign(SignPayload(id.DeviceID, cfg.Room, signedAt, cfg.Token, nonce))
	params := ConnectParams{
		Room: cfg.Room,
		Auth: ConnectAuth{Token: cfg.Token},
		Device: ConnectDevice{
			ID:        id.DeviceID,
			PublicKey: EncodeKey(id.Public),
			Signature: EncodeKey(sig),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
	var hello Hello
	if err := c.call(ctx, MethodConnect, params, &hello); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

// call sends one request and waits for its response, the context or the end
// of the connection, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteJSON(Frame{Type: "req", ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: write: %w", method, err)
	}

	var res Frame
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}

	if !res.OK {
		if res.Error != nil {
			return fmt.Errorf("%s: %w", method, res.Error)
		}
		return fmt.Errorf("%s rejected", method)
	}
	if out != nil && len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, out); err != nil {
			return fmt.Errorf("%s: decode payload: %w", method, err)
		}
	}
	return nil
}

func (c *Client) SendPublicMessage(ctx context.Context, text string) error {
	return c.call(ctx, MethodChatPublic, ChatParams{Text: text}, nil)
}

func (c *Client) SendDirectMessage(ctx context.Context, occupantID, text string) error {
	return c.call(ctx, MethodChatDirect, ChatParams{To: occupantID, Text: text}, nil)
}

// TriggerAnimation plays an emote. An empty occupantID targets the bot.
func (c *Client) TriggerAnimation(ctx context.Context, name, occupantID string) error {
	return c.call(ctx, MethodEmote, EmoteParams{Emote: name, Target: occupantID}, nil)
}

func (c *Client) QueryOccupants(ctx context.Context) ([]room.Occupant, error) {
	var res OccupantsResult
	if err := c.call(ctx, MethodOccupants, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Occupants, nil
}

func (c *Client) GetAppearance(ctx context.Context, occupantID string) (room.Outfit, error) {
	var outfit room.Outfit
	err := c.call(ctx, MethodOutfitGet, OutfitGetParams{Occupant: occupantID}, &outfit)
	return outfit, err
}

func (c *Client) SetAppearance(ctx context.Context, outfit room.Outfit) error {
	return c.call(ctx, MethodOutfitSet, outfit, nil)
}

func (c *Client) MoveTo(ctx context.Context, p room.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.call(ctx, MethodMove, MoveParams{Position: p}, nil)
}
