// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"fmt"

	"github.com/quill-foundation/quill/lib/ref"
)

// Identity is the keypair a repo presents on the swarm. The peer id
// is the public key; the secret signs auth challenges.
type Identity struct {
	ID     ref.PeerID
	Secret ed25519.PrivateKey
}

// NewIdentity generates a fresh swarm identity.
func NewIdentity() (Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Identity{}, fmt.Errorf("transport: generating identity: %w", err)
	}
	return Identity{
		ID:     ref.PeerIDFromPublicKey(publicKey),
		Secret: privateKey,
	}, nil
}

// IdentityFromKeypair builds an identity from an existing keypair
// (the repo identity persisted in metadb).
func IdentityFromKeypair(publicKey ed25519.PublicKey, secret ed25519.PrivateKey) Identity {
	return Identity{
		ID:     ref.PeerIDFromPublicKey(publicKey),
		Secret: secret,
	}
}

// Swarm is the discovery layer. Joining a topic both advertises it
// and searches for it; when two swarms share a topic, each receives a
// *Peer on its Peers channel (at most one connection per peer pair,
// shared by however many topics overlap).
type Swarm interface {
	// Join starts advertising and searching for a topic. Idempotent.
	Join(topic ref.DiscoveryID)

	// Leave stops advertising a topic. Existing connections survive;
	// peers learn the topic is gone and stop routing its traffic
	// here.
	Leave(topic ref.DiscoveryID)

	// Peers delivers each newly connected, authenticated peer once.
	Peers() <-chan *Peer

	// Close tears down all connections and stops discovery.
	Close() error
}
