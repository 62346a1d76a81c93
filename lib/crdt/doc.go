// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt defines the boundary between the repo backend and the
// CRDT algebra, plus a reference engine.
//
// The backend never inspects CRDT state. It routes Change envelopes —
// (actor, seq, opaque ops) — between feeds and an Engine, and forwards
// the Patches the engine emits to the frontend. Which algebra runs
// behind the Engine interface is a deployment choice; the backend's
// ordering guarantees (per-actor contiguous delivery, local changes
// applied before their feed append) hold for any engine.
//
// ListEngine is the reference engine: an RGA-style replicated rune
// sequence. It exists so the backend has a real, deterministic,
// convergent algebra to run against in tests and in the CLI, without
// pulling a foreign-function CRDT implementation into the module.
// Inserts identify their predecessor by element id; concurrent
// siblings order by (lamport, actor) so every replica converges on
// the same sequence.
package crdt
