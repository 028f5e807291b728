// Package roomcode packs a platform URL and room id into a short code an
// operator can paste into the bot's configuration.
package roomcode

import (
	"encoding/base32"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	version   = 0x02
	flagTLS   = 0x01
	alphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	groupSize = 4
)

var (
	ErrEmpty     = errors.New("empty room code")
	ErrVersion   = errors.New("unsupported room code version")
	ErrChecksum  = errors.New("room code checksum mismatch")
	ErrMalformed = errors.New("malformed room code")
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// Code is the decoded form. URL carries its scheme.
type Code struct {
	URL  string
	Room string
}

// Encode produces a dash-grouped code. Only ws(s) and http(s) URLs are
// representable; a bare host is taken as TLS.
func Encode(c Code) string {
	host, tls := splitScheme(c.URL)
	var flags byte
	if tls {
		flags |= flagTLS
	}
	payload := []byte{version, flags}
	payload = append(payload, host...)
	payload = append(payload, 0x00)
	payload = append(payload, c.Room...)
	payload = append(payload, checksum(payload))
	return group(encoding.EncodeToString(payload))
}

// Parse accepts codes with any case, dashes or spaces.
func Parse(s string) (Code, error) {
	clean := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(s)))
	if clean == "" {
		return Code{}, ErrEmpty
	}

	payload, err := encoding.DecodeString(clean)
	if err != nil {
		return Code{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(payload) < 5 {
		return Code{}, ErrMalformed
	}
	if payload[0] != version {
		return Code{}, ErrVersion
	}
	body, sum := payload[:len(payload)-1], payload[len(payload)-1]
	if checksum(body) != sum {
		return Code{}, ErrChecksum
	}

	host, roomID, ok := strings.Cut(string(body[2:]), "\x00")
	if !ok || host == "" || roomID == "" {
		return Code{}, ErrMalformed
	}
	scheme := "ws://"
	if body[1]&flagTLS != 0 {
		scheme = "wss://"
	}
	return Code{URL: scheme + host, Room: roomID}, nil
}

func splitScheme(url string) (host string, tls bool) {
	for _, p := range []struct {
		prefix string
		tls    bool
	}{{"wss://", true}, {"https://", true}, {"ws://", false}, {"http://", false}} {
		if strings.HasPrefix(url, p.prefix) {
			return strings.TrimSuffix(strings.TrimPrefix(url, p.prefix), "/"), p.tls
		}
	}
	return strings.TrimSuffix(url, "/"), true
}

func checksum(b []byte) byte {
	return byte(crc32.ChecksumIEEE(b))
}

func group(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(s[i:min(i+groupSize, len(s))])
	}
	return sb.String()
}
