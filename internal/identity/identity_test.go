// ABOUTME: Tests for identity parsing and hex/npub round-trips.
// ABOUTME: Covers canonical hex, npub encoding, and malformed inputs.

package identity

import (
	"strings"
	"testing"
)

const testHex = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestParseHex(t *testing.T) {
	id, err := Parse(testHex)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.Hex() != testHex {
		t.Errorf("Hex() = %q, want %q", id.Hex(), testHex)
	}
}

func TestParseHexUppercase(t *testing.T) {
	id, err := Parse(strings.ToUpper(testHex))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.Hex() != testHex {
		t.Errorf("Hex() = %q, want lowercase canonical form", id.Hex())
	}
}

func TestNpubRoundTrip(t *testing.T) {
	id := MustParse(testHex)
	npub := id.Npub()
	if !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("Npub() = %q, want npub1 prefix", npub)
	}

	back, err := Parse(npub)
	if err != nil {
		t.Fatalf("Parse(npub) failed: %v", err)
	}
	if back != id {
		t.Errorf("npub round-trip mismatch: %s != %s", back.Hex(), id.Hex())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"abc",
		strings.Repeat("g", 64),          // not hex
		testHex + "00",                   // too long
		"npub1qqqqqqqqqqqqqqqqqqqqqqqqq", // bad checksum
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", c)
		}
	}
}

func TestNpubChecksumRejected(t *testing.T) {
	npub := MustParse(testHex).Npub()
	// Flip one data character.
	corrupted := npub[:len(npub)-1] + flip(npub[len(npub)-1])
	if _, err := Parse(corrupted); err == nil {
		t.Error("corrupted npub accepted")
	}
}

func flip(c byte) string {
	if c == 'q' {
		return "p"
	}
	return "q"
}

func TestIsZero(t *testing.T) {
	var zero Identity
	if !zero.IsZero() {
		t.Error("zero identity not reported as zero")
	}
	if MustParse(testHex).IsZero() {
		t.Error("non-zero identity reported as zero")
	}
}
