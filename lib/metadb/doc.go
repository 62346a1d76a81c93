// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadb is quill's persistent metadata database: clock
// baselines, keypairs and document metadata blocks, in one SQLite
// file per repository.
//
// Three tables:
//
//	clocks(peer, doc, clock)  — the last clock this repo knows for a
//	                            (peer, document) pair. Rows only ever
//	                            grow: updates merge by pointwise max.
//	keys(name, public, secret) — named ed25519 keypairs. "self.repo"
//	                            is the repo identity; every other row
//	                            is a writable actor's feed key.
//	metadata(doc, block)       — one serialized metadata block per
//	                            document (actor set, merge clock).
//
// Secret keys never touch disk in plaintext. Each repository has a
// store identity — an age x25519 key kept at <path>/store.key — and
// the secret column holds the age ciphertext of the ed25519 private
// key.
// In-memory repositories generate an ephemeral store identity.
//
// The clocks table is what backs the satisfied-clock predicate: a row
// for (self, doc) records a baseline the frontend has already seen, so
// after a restart the repo can tell whether the partially replicated
// view it reconstructs is at least that fresh.
package metadb
