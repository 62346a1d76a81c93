// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"

	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

// DocBackendMsg is the union of notifications a DocBackend emits to
// the repo.
type DocBackendMsg interface{ isDocBackendMsg() }

// DocReadyMsg: the initial materialization completed.
type DocReadyMsg struct {
	History uint64
	Patch   crdt.Patch
}

// DocActorIDMsg: a writable local actor was assigned.
type DocActorIDMsg struct {
	ActorID ref.ActorID
}

// DocRemotePatchMsg: remote changes were applied.
type DocRemotePatchMsg struct {
	History uint64
	Patch   crdt.Patch
}

// DocLocalPatchMsg: a local change was generated. The change must be
// written to the local actor's feed by the receiver.
type DocLocalPatchMsg struct {
	Change  crdt.Change
	History uint64
	Patch   crdt.Patch
}

func (DocReadyMsg) isDocBackendMsg()       {}
func (DocActorIDMsg) isDocBackendMsg()     {}
func (DocRemotePatchMsg) isDocBackendMsg() {}
func (DocLocalPatchMsg) isDocBackendMsg()  {}

// DocBackend owns one document's CRDT state: the opaque engine state,
// the writable local actor (assigned lazily), per-actor applied
// counters, and the current clock. It lives on the dispatcher.
type DocBackend struct {
	id     ref.DocID
	engine crdt.Engine
	state  crdt.State

	// actorID is the document's writable local actor; zero until
	// assigned.
	actorID ref.ActorID

	// changes records how many changes from each actor have been
	// applied. Monotone nondecreasing (I2).
	changes map[ref.ActorID]uint64

	// clock is the pointwise max over applied changes — equal to
	// changes, viewed as a vector clock.
	clock vclock.Clock

	// ready defers work until Init has run, so no remote change is
	// ever applied before the initial load.
	ready *workQueue

	notify func(DocBackendMsg)
}

func newDocBackend(id ref.DocID, engine crdt.Engine, notify func(DocBackendMsg)) *DocBackend {
	return &DocBackend{
		id:      id,
		engine:  engine,
		changes: make(map[ref.ActorID]uint64),
		clock:   vclock.New(),
		ready:   newWorkQueue(),
		notify:  notify,
	}
}

// ID returns the document id.
func (d *DocBackend) ID() ref.DocID { return d.id }

// ActorID returns the writable local actor, zero when unassigned.
func (d *DocBackend) ActorID() ref.ActorID { return d.actorID }

// Clock returns the document's current clock.
func (d *DocBackend) Clock() vclock.Clock { return d.clock.Clone() }

// AppliedFrom returns how many changes from actor have been applied.
func (d *DocBackend) AppliedFrom(actor ref.ActorID) uint64 {
	return d.changes[actor]
}

// Init loads the CRDT from the concatenated change list. A non-zero
// actorID makes the document writable. Emits DocReadyMsg and opens
// the ready queue.
func (d *DocBackend) Init(changes []crdt.Change, actorID ref.ActorID) error {
	state, patch, err := d.engine.Init(changes)
	if err != nil {
		return fmt.Errorf("backend: initializing document %s: %w", d.id, err)
	}
	d.state = state
	for _, change := range changes {
		d.recordApplied(change)
	}
	if !actorID.IsZero() {
		d.actorID = actorID
	}

	d.notify(DocReadyMsg{History: d.engine.History(d.state), Patch: patch})
	d.ready.open()
	return nil
}

// InitActor assigns a writable actor after the fact. Emits
// DocActorIDMsg once the initial load has completed.
func (d *DocBackend) InitActor(actorID ref.ActorID) {
	d.ready.push(func() {
		d.actorID = actorID
		d.notify(DocActorIDMsg{ActorID: actorID})
	})
}

// ApplyLocalChange forwards a frontend edit to the engine and emits
// DocLocalPatchMsg carrying the change to persist. Requires a
// writable actor.
func (d *DocBackend) ApplyLocalChange(request crdt.Request) error {
	if d.actorID.IsZero() {
		return fmt.Errorf("backend: document %s has no writable actor for a local change", d.id)
	}
	state, change, patch, err := d.engine.ApplyLocal(d.state, d.actorID, request)
	if err != nil {
		return fmt.Errorf("backend: applying local change to %s: %w", d.id, err)
	}
	d.state = state
	d.recordApplied(change)
	d.notify(DocLocalPatchMsg{Change: change, History: d.engine.History(d.state), Patch: patch})
	return nil
}

// ApplyRemoteChanges merges replicated changes and emits
// DocRemotePatchMsg.
func (d *DocBackend) ApplyRemoteChanges(changes []crdt.Change) error {
	state, patch, err := d.engine.ApplyRemote(d.state, changes)
	if err != nil {
		return fmt.Errorf("backend: applying remote changes to %s: %w", d.id, err)
	}
	d.state = state
	for _, change := range changes {
		d.recordApplied(change)
	}
	d.notify(DocRemotePatchMsg{History: d.engine.History(d.state), Patch: patch})
	return nil
}

// Materialize renders the document as of the first history changes.
func (d *DocBackend) Materialize(history uint64) (any, error) {
	return d.engine.Materialize(d.state, history)
}

func (d *DocBackend) recordApplied(change crdt.Change) {
	if change.Seq > d.changes[change.Actor] {
		d.changes[change.Actor] = change.Seq
	}
	d.clock.Set(change.Actor, change.Seq)
}
