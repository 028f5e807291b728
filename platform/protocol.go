package platform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/daikelcutino-spec/barbot/room"
)

// Frame is the single wire shape; Type is "req", "res" or "event".
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

const (
	MethodConnect    = "connect"
	MethodChatPublic = "chat.public"
	MethodChatDirect = "chat.direct"
	MethodEmote      = "emote.play"
	MethodOccupants  = "room.occupants"
	MethodOutfitGet  = "outfit.get"
	MethodOutfitSet  = "outfit.set"
	MethodMove       = "bot.move"

	EventChallenge = "connect.challenge"
	EventJoin      = "occupant.join"
	EventChat      = "chat.message"
)

type Challenge struct {
	Nonce string `json:"nonce"`
}

type ConnectParams struct {
	Room   string        `json:"room"`
	Auth   ConnectAuth   `json:"auth"`
	Device ConnectDevice `json:"device"`
}

type ConnectAuth struct {
	Token string `json:"token"`
}

type ConnectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// Hello is the connect response.
type Hello struct {
	Self room.Occupant `json:"self"`
}

type ChatParams struct {
	To   string `json:"to,omitempty"`
	Text string `json:"text"`
}

type EmoteParams struct {
	Emote  string `json:"emote"`
	Target string `json:"target,omitempty"`
}

type OccupantsResult struct {
	Occupants []room.Occupant `json:"occupants"`
}

type OutfitGetParams struct {
	Occupant string `json:"occupant"`
}

type MoveParams struct {
	Position room.Position `json:"position"`
}

type JoinPayload struct {
	Occupant room.Occupant `json:"occupant"`
}

type ChatPayload struct {
	From   room.Occupant `json:"from"`
	Text   string        `json:"text"`
	Direct bool          `json:"direct"`
}

// SignPayload is the string the device key signs during connect.
func SignPayload(deviceID, roomID string, signedAt int64, token, nonce string) string {
	return fmt.Sprintf("v1|%s|%s|%d|%s|%s", deviceID, roomID, signedAt, token, nonce)
}

// base64url without padding
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
