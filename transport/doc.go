// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides quill's discovery swarm: the layer that
// turns "I am interested in these feeds" into authenticated,
// encrypted peer connections.
//
// A Swarm is joined to a set of discovery topics (hashed feed ids).
// When two swarms share a topic, a connection forms and each side
// receives a *Peer. Every connection runs the same wire protocol
// regardless of how the bytes move:
//
//  1. Mutual authentication — each side proves possession of the
//     ed25519 key behind its claimed peer id via a nonce
//     challenge-response.
//  2. A hello frame announcing the sender's joined topics, with
//     further announce frames as topics are joined later.
//  3. Length-prefixed frames multiplexed over three channels:
//     control (topic announcements), replication (feed records), and
//     gossip (typed repo messages).
//
// Three swarm implementations share that protocol:
//
//   - MemorySwarm: in-process rendezvous over net.Pipe. The two-repo
//     tests run on it.
//   - TCPSwarm: static peering for same-LAN deployments. Streams are
//     encrypted with an x25519 ECDH handshake and per-frame
//     ChaCha20-Poly1305.
//   - WebRTCSwarm: pion data channels with vanilla ICE for NAT
//     traversal; offers and answers move through a Signaler
//     (in-process for tests, an external rendezvous service in
//     production). DTLS provides the encryption.
package transport
