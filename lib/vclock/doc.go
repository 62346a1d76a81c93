// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vclock implements vector clocks over actor ids.
//
// A clock maps each actor to the highest sequence number observed from
// that actor's feed. Sequence numbers start at 1; a missing entry reads
// as 0. Clocks form a partial order under pointwise comparison, and
// merge by pointwise maximum — the join of the lattice. Two clocks
// merged in either order produce the same result, which is what lets
// peers gossip clock state without coordination.
//
// Clocks are canonicalized before persistence or transmission: zero
// entries are dropped, and the deterministic CBOR and JSON encodings
// sort actor keys, so equal clocks are byte-equal everywhere.
package vclock
