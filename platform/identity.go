package platform

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity is the bot's device key. The device id is the hex SHA-256 of the
// public key.
type Identity struct {
	Private  ed25519.PrivateKey
	Public   ed25519.PublicKey
	DeviceID string
}

func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return identityFrom(priv), nil
}

// LoadIdentity reads a hex-encoded seed from path, creating the file with a
// fresh key when it does not exist, so the device id is stable across runs.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		seed := hex.EncodeToString(id.Private.Seed())
		if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write identity: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity %s: bad seed", path)
	}
	return identityFrom(ed25519.NewKeyFromSeed(seed)), nil
}

func identityFrom(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Private: priv, Public: pub, DeviceID: DeviceID(pub)}
}

func DeviceID(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:])
}

func (id *Identity) Sign(payload string) []byte {
	return ed25519.Sign(id.Private, []byte(payload))
}
