package platformtest

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/daikelcutino-spec/barbot/platform"
)

// verifyConnect checks a connect request against the nonce sent to the
// connection and returns the device id.
func verifyConnect(raw json.RawMessage, nonce, token, roomID string) (string, error) {
	var params platform.ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", fmt.Errorf("invalid connect params: %w", err)
	}
	dev := params.Device
	if dev.Nonce != nonce {
		return "", errors.New("nonce mismatch")
	}
	if params.Auth.Token != token {
		return "", errors.New("bad token")
	}
	if roomID != "" && params.Room != roomID {
		return "", errors.New("unknown room")
	}
	if math.Abs(time.Since(time.UnixMilli(dev.SignedAt)).Seconds()) > 300 {
		return "", errors.New("signature expired")
	}

	pub, err := platform.DecodeKey(dev.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", errors.New("invalid public key")
	}
	if platform.DeviceID(pub) != dev.ID {
		return "", errors.New("device id mismatch")
	}
	sig, err := platform.DecodeKey(dev.Signature)
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}
	payload := platform.SignPayload(dev.ID, params.Room, dev.SignedAt, params.Auth.Token, dev.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig) {
		return "", errors.New("invalid signature")
	}
	return dev.ID, nil
}
