// Package platformtest runs an in-process room host speaking the platform
// protocol, for client and session tests.
package platformtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daikelcutino-spec/barbot/platform"
	"github.com/daikelcutino-spec/barbot/room"
)

// Call is one authenticated request the host received.
type Call struct {
	Method string
	Params json.RawMessage
}

// Chat decodes the params of a chat.public or chat.direct call.
func (c Call) Chat() platform.ChatParams {
	var p platform.ChatParams
	json.Unmarshal(c.Params, &p)
	return p
}

type Host struct {
	Token string
	Room  string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	self      room.Occupant
	occupants []room.Occupant
	outfits   map[string]room.Outfit
	failures  map[string]int
	stalls    map[string]time.Duration
	calls     []Call
	conns     map[*conn]bool
	accepted  int
	changed   chan struct{}
}

// New starts a host. self is the occupant the bot becomes on connect.
func New(token, roomID string, self room.Occupant) *Host {
	h := &Host{
		Token:    token,
		Room:     roomID,
		self:     self,
		outfits:  make(map[string]room.Outfit),
		failures: make(map[string]int),
		stalls:   make(map[string]time.Duration),
		conns:    make(map[*conn]bool),
		changed:  make(chan struct{}),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serveWS))
	return h
}

func (h *Host) URL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *Host) Close() {
	h.DropAll()
	h.srv.Close()
}

func (h *Host) SetOccupants(occupants ...room.Occupant) {
	h.mu.Lock()
	h.occupants = append([]room.Occupant(nil), occupants...)
	h.mu.Unlock()
}

func (h *Host) SetOutfit(occupantID string, o room.Outfit) {
	h.mu.Lock()
	h.outfits[occupantID] = o
	h.mu.Unlock()
}

func (h *Host) Outfit(occupantID string) (room.Outfit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.outfits[occupantID]
	return o, ok
}

// Fail makes the next n calls of method fail. For chat.direct, method may be
// suffixed with ":<occupant id>" to fail only sends to that occupant.
func (h *Host) Fail(method string, n int) {
	h.mu.Lock()
	h.failures[method] += n
	h.mu.Unlock()
}

// Stall delays every response to method by d.
func (h *Host) Stall(method string, d time.Duration) {
	h.mu.Lock()
	h.stalls[method] = d
	h.mu.Unlock()
}

// Accepted counts successful handshakes.
func (h *Host) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

func (h *Host) Calls(method string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callsLocked(method)
}

func (h *Host) callsLocked(method string) []Call {
	var out []Call
	for _, c := range h.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitCalls blocks until at least n calls of method arrived or timeout.
func (h *Host) WaitCalls(method string, n int, timeout time.Duration) ([]Call, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		h.mu.Lock()
		calls := h.callsLocked(method)
		changed := h.changed
		h.mu.Unlock()
		if len(calls) >= n {
			return calls, nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return calls, fmt.Errorf("got %d %s calls, want %d", len(calls), method, n)
		}
	}
}

// Join adds an occupant and announces it.
func (h *Host) Join(o room.Occupant) {
	h.mu.Lock()
	h.occupants = append(h.occupants, o)
	h.mu.Unlock()
	h.broadcast(platform.EventJoin, platform.JoinPayload{Occupant: o})
}

// Say delivers a chat message from an occupant to the bot.
func (h *Host) Say(from room.Occupant, text string, direct bool) {
	h.broadcast(platform.EventChat, platform.ChatPayload{From: from, Text: text, Direct: direct})
}

// DropAll closes every open connection.
func (h *Host) DropAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *Host) broadcast(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f := platform.Frame{Type: "event", Event: event, Payload: raw}
	h.mu.Lock()
	var targets []*conn
	for c := range h.conns {
		if c.isAuthenticated() {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.sendJSON(f)
	}
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{host: h, ws: ws, send: make(chan []byte, 256), nonce: nonce(), done: make(chan struct{})}
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	raw, _ := json.Marshal(platform.Challenge{Nonce: c.nonce})
	c.sendJSON(platform.Frame{Type: "event", Event: platform.EventChallenge, Payload: raw})
}

func (h *Host) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Host) handleMessage(c *conn, data []byte) {
	var req platform.Frame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
		return
	}

	if req.Method == platform.MethodConnect {
		if _, err := verifyConnect(req.Params, c.nonce, h.Token, h.Room); err != nil {
			c.sendJSON(errorFrame(req.ID, "AUTH_FAILED", err.Error()))
			return
		}
		c.setAuthenticated()
		h.mu.Lock()
		h.accepted++
		self := h.self
		h.mu.Unlock()
		h.record(req)
		c.sendJSON(okFrame(req.ID, platform.Hello{Self: self}))
		return
	}
	if !c.isAuthenticated() {
		c.sendJSON(errorFrame(req.ID, "AUTH_REQUIRED", "not authenticated"))
		return
	}

	h.mu.Lock()
	stall := h.stalls[req.Method]
	h.mu.Unlock()
	if stall > 0 {
		go func() {
			select {
			case <-time.After(stall):
				h.respond(c, req)
			case <-c.done:
			}
		}()
		return
	}
	h.respond(c, req)
}

func (h *Host) respond(c *conn, req platform.Frame) {
	h.record(req)
	if h.takeFailure(req) {
		c.sendJSON(errorFrame(req.ID, "UNAVAILABLE", "injected failure"))
		return
	}

	switch req.Method {
	case platform.MethodChatPublic, platform.MethodChatDirect, platform.MethodEmote:
		c.sendJSON(okFrame(req.ID, nil))

	case platform.MethodOccupants:
		h.mu.Lock()
		occupants := append([]room.Occupant{h.self}, h.occupants...)
		h.mu.Unlock()
		c.sendJSON(okFrame(req.ID, platform.OccupantsResult{Occupants: occupants}))

	case platform.MethodOutfitGet:
		var p platform.OutfitGetParams
		json.Unmarshal(req.Params, &p)
		o, ok := h.Outfit(p.Occupant)
		if !ok {
			c.sendJSON(errorFrame(req.ID, "NOT_FOUND", "no outfit for "+p.Occupant))
			return
		}
		c.sendJSON(okFrame(req.ID, o))

	case platform.MethodOutfitSet:
		var o room.Outfit
		if err := json.Unmarshal(req.Params, &o); err != nil {
			c.sendJSON(errorFrame(req.ID, "INVALID_PARAMS", err.Error()))
			return
		}
		h.mu.Lock()
		h.outfits[h.self.ID] = o
		h.mu.Unlock()
		c.sendJSON(okFrame(req.ID, nil))

	case platform.MethodMove:
		var p platform.MoveParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.sendJSON(errorFrame(req.ID, "INVALID_PARAMS", err.Error()))
			return
		}
		h.mu.Lock()
		h.self.Position = p.Position
		h.mu.Unlock()
		c.sendJSON(okFrame(req.ID, nil))

	default:
		c.sendJSON(errorFrame(req.ID, "UNKNOWN_METHOD", req.Method))
	}
}

func (h *Host) takeFailure(req platform.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := []string{req.Method}
	if req.Method == platform.MethodChatDirect {
		var p platform.ChatParams
		json.Unmarshal(req.Params, &p)
		keys = append(keys, req.Method+":"+p.To)
	}
	for _, k := range keys {
		if h.failures[k] > 0 {
			h.failures[k]--
			return true
		}
	}
	return false
}

func (h *Host) record(req platform.Frame) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: req.Method, Params: req.Params})
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

func okFrame(id string, payload any) platform.Frame {
	f := platform.Frame{Type: "res", ID: id, OK: true}
	if payload != nil {
		f.Payload, _ = json.Marshal(payload)
	}
	return f
}

func errorFrame(id, code, message string) platform.Frame {
	return platform.Frame{Type: "res", ID: id, Error: &platform.WireError{Code: code, Message: message}}
}

func nonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
