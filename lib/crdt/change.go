// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
)

// Change is one CRDT operation envelope: the unit stored as a feed
// block and replayed into an Engine. Ops are opaque to everything but
// the engine that produced them.
type Change struct {
	// Actor is the feed the change belongs to.
	Actor ref.ActorID `cbor:"actor"`

	// Seq is the change's 1-based position in its actor's feed.
	// Per-actor sequences are dense: seq i is never applied before
	// i-1.
	Seq uint64 `cbor:"seq"`

	// Ops is the engine-specific operation payload.
	Ops codec.RawMessage `cbor:"ops"`
}

// EncodeChange serializes a change for feed storage.
func EncodeChange(change Change) ([]byte, error) {
	data, err := codec.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("crdt: encoding change %s/%d: %w", change.Actor, change.Seq, err)
	}
	return data, nil
}

// DecodeChange parses a feed block into a change envelope.
func DecodeChange(block []byte) (Change, error) {
	var change Change
	if err := codec.Unmarshal(block, &change); err != nil {
		return Change{}, fmt.Errorf("crdt: decoding change: %w", err)
	}
	if change.Seq == 0 {
		return Change{}, fmt.Errorf("crdt: change has sequence 0")
	}
	return change, nil
}
