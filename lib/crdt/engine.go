// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
)

// State is an engine's opaque document state. The backend holds it,
// threads it through engine calls, and never looks inside.
type State any

// Patch describes the visible effect of applying changes. It is
// forwarded verbatim to the frontend, which knows the engine it is
// talking to.
type Patch any

// Request is a local change request from the frontend: the
// engine-specific description of an edit, before the engine assigns
// it an actor and sequence.
type Request struct {
	Ops codec.RawMessage `cbor:"ops"`
}

// Engine is the CRDT algebra. Implementations must be deterministic:
// the same changes in the same order always produce the same state,
// and states that have seen the same set of changes materialize
// identically regardless of interleaving.
//
// Engines are stateless; all document state lives in the State values
// they return. A single Engine instance serves every document.
type Engine interface {
	// Init builds a state from an ordered change sequence (a
	// document's loaded history). The patch reflects the fully
	// loaded document.
	Init(changes []Change) (State, Patch, error)

	// ApplyLocal applies a frontend edit on behalf of actor. The
	// returned Change carries the next sequence for that actor and
	// must be appended to the actor's feed by the caller.
	ApplyLocal(state State, actor ref.ActorID, request Request) (State, Change, Patch, error)

	// ApplyRemote merges replicated changes. Duplicates (already
	// applied actor/seq pairs) are ignored.
	ApplyRemote(state State, changes []Change) (State, Patch, error)

	// History returns the number of changes applied to state.
	History(state State) uint64

	// HistoryPrefix returns the first n applied changes in
	// application order. This is the explicit accessor materialize
	// queries use; n > History(state) is an error.
	HistoryPrefix(state State, n uint64) ([]Change, error)

	// Materialize renders the document as of the first history
	// changes (0 means the full current state).
	Materialize(state State, history uint64) (any, error)
}
