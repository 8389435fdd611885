// Package ident provides the 160-bit identifier and detached-signature
// primitives shared by every content-addressed type in pubsub.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the width, in bytes, of every identifier in the protocol: 160
// bits, the same width as a Kademlia/BitTorrent node ID
// (anacrolix/dht/v2/krpc.ID is likewise a [20]byte).
const Size = 20

// ID is a 160-bit content or node identifier, rendered externally as a
// 40-character lowercase hex string.
type ID [Size]byte

var Zero ID

// ErrBadIDLength is returned by ParseID when the input does not decode to
// exactly Size bytes.
var ErrBadIDLength = errors.New("ident: id must decode to 20 bytes")

// NewID returns the deterministic content hash of data: the first Size
// bytes of SHA-256. Truncating a wider digest to 160 bits is the same
// trade the BitTorrent/Kademlia info-hash space makes, and keeps IDs a
// fixed, DHT-key-friendly width regardless of the underlying hash.
func NewID(data []byte) ID {
	sum := sha256.Sum256(data)
	var id ID
	copy(id[:], sum[:Size])
	return id
}

// Join concatenates fields with ':' between them. Collection, snapshot,
// and message ID derivations hash the joined bytes.
func Join(fields ...[]byte) []byte {
	var out []byte
	for i, f := range fields {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, f...)
	}
	return out
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) Bytes() []byte {
	return id[:]
}

// ParseID decodes a 40-character lowercase hex string into an ID.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, err
	}
	if len(b) != Size {
		return Zero, ErrBadIDLength
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// MarshalText and UnmarshalText render ID in its 40-character lowercase
// hex form for text-based encodings and log output.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
