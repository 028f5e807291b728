package roomcode

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		in   Code
		want Code
	}{
		{Code{"wss://rooms.example.com", "lobby"}, Code{"wss://rooms.example.com", "lobby"}},
		{Code{"ws://192.168.7.189:8090", "bar-42"}, Code{"ws://192.168.7.189:8090", "bar-42"}},
		{Code{"https://host.io/", "r1"}, Code{"wss://host.io", "r1"}},
		{Code{"http://localhost:9000", "dev"}, Code{"ws://localhost:9000", "dev"}},
		{Code{"plain.example.org", "x"}, Code{"wss://plain.example.org", "x"}},
	}
	for _, tt := range tests {
		code := Encode(tt.in)
		got, err := Parse(code)
		if err != nil {
			t.Fatalf("Parse(%q): %v", code, err)
		}
		if got != tt.want {
			t.Errorf("Parse(Encode(%+v)) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseIsLenient(t *testing.T) {
	code := Encode(Code{"wss://rooms.example.com", "lobby"})
	messy := " " + strings.ToLower(strings.ReplaceAll(code, "-", " ")) + " "
	got, err := Parse(messy)
	if err != nil {
		t.Fatalf("Parse(%q): %v", messy, err)
	}
	if got.Room != "lobby" {
		t.Errorf("room = %q", got.Room)
	}
}

func TestGrouping(t *testing.T) {
	code := Encode(Code{"wss://rooms.example.com", "lobby"})
	parts := strings.Split(code, "-")
	for i, p := range parts {
		if i < len(parts)-1 && len(p) != groupSize {
			t.Errorf("group %d = %q, want %d chars", i, p, groupSize)
		}
	}
}

func TestParseErrors(t *testing.T) {
	body := append([]byte{version, flagTLS}, "rooms.example.com\x00lobby"...)
	badSum := encoding.EncodeToString(append(body, checksum(body)^0xff))

	old := append([]byte{0x01, flagTLS}, "rooms.example.com\x00lobby"...)
	oldVersion := encoding.EncodeToString(append(old, checksum(old)))

	noRoom := append([]byte{version, flagTLS}, "rooms.example.com\x00"...)
	missingRoom := encoding.EncodeToString(append(noRoom, checksum(noRoom)))

	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmpty},
		{"  -- ", ErrEmpty},
		{"!@#$", ErrMalformed},
		{"AAAA", ErrMalformed},
		{badSum, ErrChecksum},
		{oldVersion, ErrVersion},
		{missingRoom, ErrMalformed},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}
