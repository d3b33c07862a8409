// ABOUTME: Identity type for 32-byte public keys with hex and npub encodings.
// ABOUTME: Hex is the canonical form; npub is accepted and emitted at the CLI boundary.

package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a public key in bytes.
const Size = 32

// ErrInvalidIdentity indicates a string that is neither valid hex nor a valid npub.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is a fixed-length opaque public key identifying a graph subject.
type Identity [Size]byte

// Parse accepts a 64-character lowercase hex string or an npub bech32 string.
func Parse(s string) (Identity, error) {
	var id Identity

	if strings.HasPrefix(s, "npub1") {
		data, err := decodeBech32(s, "npub")
		if err != nil {
			return id, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		if len(data) != Size {
			return id, fmt.Errorf("%w: npub decodes to %d bytes", ErrInvalidIdentity, len(data))
		}
		copy(id[:], data)
		return id, nil
	}

	if len(s) != Size*2 {
		return id, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidIdentity, Size*2, len(s))
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	copy(id[:], raw)
	return id, nil
}

// MustParse parses s or panics. For tests and compiled-in constants only.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Hex returns the canonical 64-character lowercase hex encoding.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// Npub returns the bech32 npub encoding.
func (id Identity) Npub() string {
	return encodeBech32("npub", id[:])
}

// String returns the hex encoding.
func (id Identity) String() string {
	return id.Hex()
}

// IsZero reports whether the identity is the all-zero key.
func (id Identity) IsZero() bool {
	return id == Identity{}
}
