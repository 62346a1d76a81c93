// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"crypto/ed25519"

	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

// ToBackend is the frontend command union. Every frontend request
// enters through RepoBackend.Receive with one of these.
type ToBackend interface{ isToBackend() }

// CreateMsg mints a new document from an explicit keypair. The
// frontend derives the DocID from the public key itself. The backend
// takes ownership of SecretKey: it is moved into protected memory and
// the slice is zeroed in place.
type CreateMsg struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// OpenMsg ensures a document backend exists for ID. Rejected when the
// metadata classifies ID as a file.
type OpenMsg struct {
	ID ref.DocID
}

// DestroyMsg drops the document and purges orphaned actors.
type DestroyMsg struct {
	ID ref.DocID
}

// DebugMsg logs a dump of the document's internal state.
type DebugMsg struct {
	ID ref.DocID
}

// NeedsActorIDMsg assigns a writable actor to the document, minting
// one if necessary. Called lazily by the frontend on first edit.
type NeedsActorIDMsg struct {
	ID ref.DocID
}

// RequestMsg applies a local CRDT change.
type RequestMsg struct {
	ID      ref.DocID
	Request crdt.Request
}

// MergeMsg unions an external clock into the document: its actors
// join the actor set, and its sequences extend the merge clock.
type MergeMsg struct {
	ID     ref.DocID
	Actors vclock.Clock
}

// DocumentMsg is an application-level payload. Frontend → backend it
// is gossiped to every peer interested in the document; backend →
// frontend it is a payload received from a peer.
type DocumentMsg struct {
	ID       ref.DocID
	Contents any
}

// QueryMsg is a read-only query; the response arrives as a ReplyMsg
// tagged with the same ID.
type QueryMsg struct {
	ID    uint64
	Query Query
}

// CloseMsg shuts the backend down.
type CloseMsg struct{}

func (CreateMsg) isToBackend()       {}
func (OpenMsg) isToBackend()         {}
func (DestroyMsg) isToBackend()      {}
func (DebugMsg) isToBackend()        {}
func (NeedsActorIDMsg) isToBackend() {}
func (RequestMsg) isToBackend()      {}
func (MergeMsg) isToBackend()        {}
func (DocumentMsg) isToBackend()     {}
func (QueryMsg) isToBackend()        {}
func (CloseMsg) isToBackend()        {}

// Query is the read-only query union inside QueryMsg.
type Query interface{ isQuery() }

// MetadataQuery asks for the document's public metadata snapshot.
type MetadataQuery struct {
	ID ref.DocID
}

// MaterializeQuery asks for the document rendered as of the first
// History changes (0 means current).
type MaterializeQuery struct {
	ID      ref.DocID
	History uint64
}

func (MetadataQuery) isQuery()    {}
func (MaterializeQuery) isQuery() {}

// ToFrontend is the backend notification union, delivered on
// RepoBackend.Notifications.
type ToFrontend interface{ isToFrontend() }

// ReadyMsg reports that a document's initial materialization
// completed. ActorID is the writable local actor when one exists
// (zero otherwise). MinimumClockSatisfied reports whether the loaded
// state is at least as fresh as a previously persisted baseline.
type ReadyMsg struct {
	ID                    ref.DocID
	ActorID               ref.ActorID
	MinimumClockSatisfied bool
	History               uint64
	Patch                 crdt.Patch
}

// ActorIDMsg reports that a writable local actor was assigned.
type ActorIDMsg struct {
	ID      ref.DocID
	ActorID ref.ActorID
}

// PatchMsg reports applied changes, local or remote.
type PatchMsg struct {
	ID                    ref.DocID
	MinimumClockSatisfied bool
	History               uint64
	Patch                 crdt.Patch
}

// ReplyMsg answers the QueryMsg with the same ID.
type ReplyMsg struct {
	ID      uint64
	Payload any
}

// ActorBlockDownloadedMsg reports per-block replication progress for
// every document containing the actor.
type ActorBlockDownloadedMsg struct {
	ID      ref.DocID
	ActorID ref.ActorID
	Index   uint64
	Size    int
	Time    int64
}

// FileServerReadyMsg reports the file subsystem's local endpoint.
// Emitted only when a file server is attached to the backend.
type FileServerReadyMsg struct {
	Path string
}

func (ReadyMsg) isToFrontend()                {}
func (ActorIDMsg) isToFrontend()              {}
func (PatchMsg) isToFrontend()                {}
func (ReplyMsg) isToFrontend()                {}
func (DocumentMsg) isToFrontend()             {}
func (ActorBlockDownloadedMsg) isToFrontend() {}
func (FileServerReadyMsg) isToFrontend()      {}
