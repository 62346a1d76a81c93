// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines the typed identifiers used throughout quill.
//
// Every identifier is derived from a 32-byte ed25519 public key and is
// rendered as base58. The types are distinct so that an actor id cannot
// be passed where a peer id is expected, even though the underlying
// representation is identical:
//
//   - ActorID: the public key of one append-only feed.
//   - DocID: the public key of a document's root actor. Form-identical
//     to an ActorID; RootActor converts.
//   - PeerID: the public key identifying a repo process on the swarm.
//   - DiscoveryID: the keyed BLAKE3 hash of an actor public key, used
//     as a swarm rendezvous topic. Hashing keeps the feed public key
//     off the discovery layer.
//
// All types implement encoding.TextMarshaler / TextUnmarshaler so they
// serialize as strings in CBOR, JSON, and YAML, and can be used as map
// keys in persisted structures.
package ref
