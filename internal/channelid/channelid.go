// Package channelid implements the opaque 128-bit identifiers that name
// rendezvous channels. The external form is URL-safe base64 without padding;
// the identifier is the only capability a client needs to join a channel, so
// generation always draws from the operating system's entropy source.
package channelid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Len is the identifier length in bytes.
const Len = 16

// ID is an opaque channel identifier. The zero value is valid as a map key;
// equality is byte-wise.
type ID [Len]byte

// Generate returns a fresh identifier from crypto/rand. An error here means
// the process cannot mint capabilities and should be treated as fatal by the
// caller.
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("channelid: generate: %w", err)
	}
	return id, nil
}

// Decode parses the URL-safe base64 text form. Trailing '=' padding is
// accepted and ignored. Any input that is not valid base64 or does not decode
// to exactly Len bytes is rejected; callers must treat that as a routing
// failure, never as a request for a fresh identifier.
func Decode(s string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ID{}, fmt.Errorf("channelid: decode %q: %w", s, err)
	}
	if len(raw) != Len {
		return ID{}, fmt.Errorf("channelid: decode %q: %d bytes, want %d", s, len(raw), Len)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String returns the URL-safe base64 form without padding.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler so identifiers serialize as
// their base64 form inside JSON frames.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}
