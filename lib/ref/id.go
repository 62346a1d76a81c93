// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// KeySize is the size of every raw identifier: an ed25519 public key.
const KeySize = 32

// key32 is the shared representation of all key-derived identifiers.
// It is a value type — identifiers are comparable and usable as map
// keys without indirection.
type key32 [KeySize]byte

func parseKey32(s, kind string) (key32, error) {
	var k key32
	raw, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("ref: invalid %s %q: %w", kind, s, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("ref: invalid %s %q: decoded to %d bytes, want %d", kind, s, len(raw), KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

func (k key32) encode() string { return base58.Encode(k[:]) }

func (k key32) isZero() bool { return k == key32{} }

// ActorID identifies one append-only feed: the base58 form of the
// feed's ed25519 public key.
type ActorID struct{ key key32 }

// ParseActorID parses the base58 form of an actor id.
func ParseActorID(s string) (ActorID, error) {
	k, err := parseKey32(s, "actor id")
	if err != nil {
		return ActorID{}, err
	}
	return ActorID{key: k}, nil
}

// ActorIDFromPublicKey constructs an ActorID from a raw ed25519 public
// key. Panics if the key is not KeySize bytes — callers hold keys that
// came from ed25519.GenerateKey or from a validated identifier.
func ActorIDFromPublicKey(publicKey ed25519.PublicKey) ActorID {
	var k key32
	if len(publicKey) != KeySize {
		panic(fmt.Sprintf("ref: actor public key is %d bytes, want %d", len(publicKey), KeySize))
	}
	copy(k[:], publicKey)
	return ActorID{key: k}
}

// String returns the base58 form.
func (id ActorID) String() string { return id.key.encode() }

// IsZero reports whether the id is the zero value.
func (id ActorID) IsZero() bool { return id.key.isZero() }

// PublicKey returns the raw ed25519 public key.
func (id ActorID) PublicKey() ed25519.PublicKey {
	key := make([]byte, KeySize)
	copy(key, id.key[:])
	return key
}

// Discovery returns the swarm rendezvous topic for this actor's feed.
func (id ActorID) Discovery() DiscoveryID { return discoveryFromKey(id.key) }

// MarshalText implements encoding.TextMarshaler.
func (id ActorID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ActorID) UnmarshalText(text []byte) error {
	parsed, err := ParseActorID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DocID identifies a document: the actor id of its root feed.
type DocID struct{ key key32 }

// ParseDocID parses the base58 form of a document id.
func ParseDocID(s string) (DocID, error) {
	k, err := parseKey32(s, "doc id")
	if err != nil {
		return DocID{}, err
	}
	return DocID{key: k}, nil
}

// DocIDFromPublicKey constructs a DocID from a raw ed25519 public key.
func DocIDFromPublicKey(publicKey ed25519.PublicKey) DocID {
	return DocID{key: ActorIDFromPublicKey(publicKey).key}
}

// String returns the base58 form.
func (id DocID) String() string { return id.key.encode() }

// IsZero reports whether the id is the zero value.
func (id DocID) IsZero() bool { return id.key.isZero() }

// RootActor returns the document's root actor id: the same key viewed
// as a feed identifier.
func (id DocID) RootActor() ActorID { return ActorID{key: id.key} }

// Doc views an actor id as a document id. Only meaningful for root
// actors; the conversion itself is always well-formed.
func (id ActorID) Doc() DocID { return DocID{key: id.key} }

// MarshalText implements encoding.TextMarshaler.
func (id DocID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DocID) UnmarshalText(text []byte) error {
	parsed, err := ParseDocID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PeerID identifies a repo process on the swarm.
type PeerID struct{ key key32 }

// ParsePeerID parses the base58 form of a peer id.
func ParsePeerID(s string) (PeerID, error) {
	k, err := parseKey32(s, "peer id")
	if err != nil {
		return PeerID{}, err
	}
	return PeerID{key: k}, nil
}

// PeerIDFromPublicKey constructs a PeerID from a raw ed25519 public key.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) PeerID {
	return PeerID{key: ActorIDFromPublicKey(publicKey).key}
}

// String returns the base58 form.
func (id PeerID) String() string { return id.key.encode() }

// IsZero reports whether the id is the zero value.
func (id PeerID) IsZero() bool { return id.key.isZero() }

// PublicKey returns the raw ed25519 public key.
func (id PeerID) PublicKey() ed25519.PublicKey {
	key := make([]byte, KeySize)
	copy(key, id.key[:])
	return key
}

// MarshalText implements encoding.TextMarshaler.
func (id PeerID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
