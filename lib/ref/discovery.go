// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// discoveryDomainKey is the 32-byte key for BLAKE3 keyed hashing of
// actor public keys into discovery topics. Domain separation ensures a
// discovery id can never collide with a hash of the same bytes in
// another context. The value is the ASCII domain name, zero-padded —
// readable in hex dumps without weakening the keyed mode.
var discoveryDomainKey = [32]byte{
	'q', 'u', 'i', 'l', 'l', '.', 'd', 'i', 's', 'c', 'o', 'v', 'e', 'r', 'y',
}

// DiscoveryID is the swarm rendezvous topic for one feed: the keyed
// BLAKE3 hash of the actor public key. Peers advertise and search for
// discovery ids, never raw feed keys, so observing the swarm does not
// reveal which feeds a peer holds.
type DiscoveryID struct{ key key32 }

func discoveryFromKey(actorKey key32) DiscoveryID {
	hasher, err := blake3.NewKeyed(discoveryDomainKey[:])
	if err != nil {
		panic("ref: blake3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(actorKey[:])
	var d key32
	hasher.Digest().Read(d[:])
	return DiscoveryID{key: d}
}

// ParseDiscoveryID parses the base58 form of a discovery id.
func ParseDiscoveryID(s string) (DiscoveryID, error) {
	k, err := parseKey32(s, "discovery id")
	if err != nil {
		return DiscoveryID{}, err
	}
	return DiscoveryID{key: k}, nil
}

// String returns the base58 form.
func (id DiscoveryID) String() string { return base58.Encode(id.key[:]) }

// IsZero reports whether the id is the zero value.
func (id DiscoveryID) IsZero() bool { return id.key.isZero() }

// MarshalText implements encoding.TextMarshaler.
func (id DiscoveryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DiscoveryID) UnmarshalText(text []byte) error {
	parsed, err := ParseDiscoveryID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
