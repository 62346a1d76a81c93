// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package feed implements quill's append-only signed logs.
//
// A feed is the storage object backing one actor: an ordered sequence
// of blocks, each signed by the actor's ed25519 key. The local process
// may hold the secret key (a writable feed — blocks can be appended)
// or only the public key (a read-only feed — blocks arrive through
// replication and are verified against the actor id).
//
// Blocks are opaque to this package. The repo layer stores CRDT
// changes or file chunks in them; the feed only guarantees order,
// authorship, and durability.
//
// On disk each feed lives under <path>/<actorId>/ as a single `log`
// file of length-prefixed records. Each record carries a per-block
// compression tag (lz4 for binary-ish blocks, zstd when probing shows
// text-like ratios, none when incompressible) and the actor's
// signature over the uncompressed block. A store opened with the
// memory option keeps records only in memory.
//
// Remote blocks may arrive out of order. The feed indexes them as they
// land (firing the download callback per block) but delivers blocks to
// subscribers strictly in ascending index order, holding back anything
// after a hole until the hole fills. The sync callback fires whenever
// the contiguous prefix catches up with the longest advertised remote
// length.
package feed
