// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"log/slog"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

// FileHeader is the first block of a file feed.
type FileHeader struct {
	Type     string `cbor:"type" json:"type"` // always "File"
	Bytes    uint64 `cbor:"bytes" json:"bytes"`
	MimeType string `cbor:"mimeType,omitempty" json:"mimeType,omitempty"`
}

// fileHeaderType is the discriminator value in a file feed's first
// block. A CRDT change envelope has no "type" field, which is how
// classification on block 1 works.
const fileHeaderType = "File"

// MetadataBlock is the gossiped and frontend-visible form of one
// document's metadata.
type MetadataBlock struct {
	ID ref.DocID `cbor:"id" json:"id"`

	// Actors is the document's actor set, in first-seen order.
	Actors []ref.ActorID `cbor:"actors" json:"actors"`

	// Writable marks the actors this process holds secrets for,
	// keyed by actor id string. Stripped from anything a peer sends:
	// a peer is only authoritative about its own writability, which
	// is never ours.
	Writable map[string]bool `cbor:"writable,omitempty" json:"writable,omitempty"`

	// Merge is the document's merge clock: how far into each actor's
	// feed this document has requested to read.
	Merge vclock.Clock `cbor:"merge,omitempty" json:"merge,omitempty"`

	// IsFile marks file feeds (never CRDT documents).
	IsFile bool `cbor:"isFile,omitempty" json:"isFile,omitempty"`

	// FileHeader carries the file feed's header once known.
	FileHeader *FileHeader `cbor:"fileHeader,omitempty" json:"fileHeader,omitempty"`
}

// metadataEntry is the authoritative in-memory state per document.
type metadataEntry struct {
	actors   []ref.ActorID
	actorSet map[ref.ActorID]bool
	merge    vclock.Clock
	isFile   bool
	header   *FileHeader
	ready    *workQueue
}

// Metadata is the authoritative registry of per-document actor sets,
// merge clocks, writability, and file classification. It owns the
// join/leave callbacks: the first time an actor is seen anywhere, the
// swarm starts looking for its feed.
//
// Metadata lives on the dispatcher; it is not goroutine-safe.
type Metadata struct {
	logger *slog.Logger

	docs     map[ref.DocID]*metadataEntry
	byActor  map[ref.ActorID]map[ref.DocID]bool
	writable map[ref.ActorID]bool

	// join is invoked once per first-seen actor; leave when a doc
	// destroy orphans one.
	join  func(ref.ActorID)
	leave func(ref.ActorID)

	// changed is invoked after any mutation of a doc's entry, so the
	// owner can persist the block.
	changed func(ref.DocID)
}

func newMetadata(logger *slog.Logger, join, leave func(ref.ActorID), changed func(ref.DocID)) *Metadata {
	return &Metadata{
		logger:   logger,
		docs:     make(map[ref.DocID]*metadataEntry),
		byActor:  make(map[ref.ActorID]map[ref.DocID]bool),
		writable: make(map[ref.ActorID]bool),
		join:     join,
		leave:    leave,
		changed:  changed,
	}
}

func (m *Metadata) noteChanged(doc ref.DocID) {
	if m.changed != nil {
		m.changed(doc)
	}
}

func (m *Metadata) entry(doc ref.DocID) *metadataEntry {
	e, ok := m.docs[doc]
	if !ok {
		e = &metadataEntry{
			actorSet: make(map[ref.ActorID]bool),
			merge:    vclock.New(),
			ready:    newWorkQueue(),
		}
		m.docs[doc] = e
	}
	return e
}

// AddActor inserts actor into doc's actor set. Idempotent; the first
// insertion of an actor anywhere triggers join.
func (m *Metadata) AddActor(doc ref.DocID, actor ref.ActorID) {
	e := m.entry(doc)
	if e.actorSet[actor] {
		return
	}
	e.actorSet[actor] = true
	e.actors = append(e.actors, actor)

	firstSeen := m.byActor[actor] == nil
	if firstSeen {
		m.byActor[actor] = make(map[ref.DocID]bool)
	}
	m.byActor[actor][doc] = true

	m.noteChanged(doc)
	if firstSeen && m.join != nil {
		m.join(actor)
	}
}

// AddBlocks applies sanitized remote metadata: actor sets union,
// merge clocks take the pointwise max, and file classification is
// adopted. Writable bits in the input are ignored outright.
func (m *Metadata) AddBlocks(blocks []MetadataBlock) {
	for _, block := range blocks {
		if block.ID.IsZero() {
			m.logger.Info("dropping metadata block without a doc id")
			continue
		}
		for _, actor := range block.Actors {
			m.AddActor(block.ID, actor)
		}
		for _, actor := range block.Merge.Actors() {
			m.AddActor(block.ID, actor)
		}
		e := m.entry(block.ID)
		e.merge.Merge(block.Merge)
		if block.IsFile {
			e.isFile = true
			if e.header == nil {
				e.header = block.FileHeader
			}
		}
		m.noteChanged(block.ID)
	}
}

// SetWritable records actor writability as learned from the feed
// layer.
func (m *Metadata) SetWritable(actor ref.ActorID, writable bool) {
	m.writable[actor] = writable
}

// Writable reports whether the feed layer told us actor is ours.
func (m *Metadata) Writable(actor ref.ActorID) bool {
	return m.writable[actor]
}

// LocalActorID returns the single writable actor in doc's set. More
// than one writable actor is a contract violation (I4) and panics.
func (m *Metadata) LocalActorID(doc ref.DocID) (ref.ActorID, bool) {
	e, ok := m.docs[doc]
	if !ok {
		return ref.ActorID{}, false
	}
	var local ref.ActorID
	found := false
	for _, actor := range e.actors {
		if !m.writable[actor] {
			continue
		}
		if found {
			panic(fmt.Sprintf("backend: document %s has two writable actors: %s and %s", doc, local, actor))
		}
		local = actor
		found = true
	}
	return local, found
}

// Merge unions clock's actors into the doc's actor set and clock
// itself into the merge clock — the explicit client-initiated merge.
func (m *Metadata) Merge(doc ref.DocID, clock vclock.Clock) {
	for _, actor := range clock.Actors() {
		m.AddActor(doc, actor)
	}
	m.entry(doc).merge.Merge(clock)
	m.noteChanged(doc)
}

// ClockAt returns how far into actor's feed doc has requested to
// read.
func (m *Metadata) ClockAt(doc ref.DocID, actor ref.ActorID) uint64 {
	e, ok := m.docs[doc]
	if !ok {
		return 0
	}
	return e.merge.Get(actor)
}

// Actors returns doc's actor set in first-seen order.
func (m *Metadata) Actors(doc ref.DocID) []ref.ActorID {
	e, ok := m.docs[doc]
	if !ok {
		return nil
	}
	return append([]ref.ActorID(nil), e.actors...)
}

// ActorsAsync runs fn with the actor list once the doc is marked
// ready (its root actor's feed has loaded).
func (m *Metadata) ActorsAsync(doc ref.DocID, fn func([]ref.ActorID)) {
	e := m.entry(doc)
	e.ready.push(func() {
		fn(m.Actors(doc))
	})
}

// MarkReady opens the doc's ready queue. Called by the repo when the
// root actor's feed finishes loading.
func (m *Metadata) MarkReady(doc ref.DocID) {
	m.entry(doc).ready.open()
}

// DocsWith returns the documents whose actor sets contain actor.
func (m *Metadata) DocsWith(actor ref.ActorID) []ref.DocID {
	docs := make([]ref.DocID, 0, len(m.byActor[actor]))
	for doc := range m.byActor[actor] {
		docs = append(docs, doc)
	}
	return docs
}

// ForActor returns the metadata blocks of every document containing
// actor, as gossiped to a peer interested in that feed.
func (m *Metadata) ForActor(actor ref.ActorID) []MetadataBlock {
	docs := m.DocsWith(actor)
	blocks := make([]MetadataBlock, 0, len(docs))
	for _, doc := range docs {
		if block, ok := m.Block(doc); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// Block returns a gossip snapshot of doc's metadata, writable bits
// included (the receiver strips them).
func (m *Metadata) Block(doc ref.DocID) (MetadataBlock, bool) {
	e, ok := m.docs[doc]
	if !ok {
		return MetadataBlock{}, false
	}
	block := MetadataBlock{
		ID:     doc,
		Actors: append([]ref.ActorID(nil), e.actors...),
		Merge:  e.merge.Clone(),
		IsFile: e.isFile,
	}
	if e.header != nil {
		header := *e.header
		block.FileHeader = &header
	}
	block.Writable = make(map[string]bool, len(e.actors))
	for _, actor := range e.actors {
		if m.writable[actor] {
			block.Writable[actor.String()] = true
		}
	}
	return block, true
}

// PublicMetadata returns the frontend-facing snapshot for doc, or nil
// when the doc is unknown.
func (m *Metadata) PublicMetadata(doc ref.DocID) *MetadataBlock {
	block, ok := m.Block(doc)
	if !ok {
		return nil
	}
	return &block
}

// IsFile reports the doc's classification.
func (m *Metadata) IsFile(doc ref.DocID) bool {
	e, ok := m.docs[doc]
	return ok && e.isFile
}

// SetFile classifies doc as a file feed with the given header.
func (m *Metadata) SetFile(doc ref.DocID, header FileHeader) {
	e := m.entry(doc)
	e.isFile = true
	headerCopy := header
	e.header = &headerCopy
	m.noteChanged(doc)
}

// FileHeaderFor returns the file header when known.
func (m *Metadata) FileHeaderFor(doc ref.DocID) *FileHeader {
	e, ok := m.docs[doc]
	if !ok || e.header == nil {
		return nil
	}
	header := *e.header
	return &header
}

// Delete removes doc from the registry, unlinking its actors. Actors
// left with no documents are reported through the leave callback,
// once each.
func (m *Metadata) Delete(doc ref.DocID) {
	e, ok := m.docs[doc]
	if !ok {
		return
	}
	delete(m.docs, doc)
	for _, actor := range e.actors {
		docs := m.byActor[actor]
		delete(docs, doc)
		if len(docs) == 0 {
			delete(m.byActor, actor)
			if m.leave != nil {
				m.leave(actor)
			}
		}
	}
}

// AllActors returns the union of actor sets across all documents.
func (m *Metadata) AllActors() map[ref.ActorID]bool {
	all := make(map[ref.ActorID]bool, len(m.byActor))
	for actor, docs := range m.byActor {
		if len(docs) > 0 {
			all[actor] = true
		}
	}
	return all
}

// sanitizeRemoteMetadata canonicalizes peer-supplied blocks before
// they merge: writable bits are stripped and malformed blocks are
// dropped. A peer's claim about who can write is never trusted; local
// writability comes from the feed layer alone.
func sanitizeRemoteMetadata(blocks []MetadataBlock) []MetadataBlock {
	sanitized := make([]MetadataBlock, 0, len(blocks))
	for _, block := range blocks {
		if block.ID.IsZero() {
			continue
		}
		block.Writable = nil
		block.Merge = block.Merge.Canonical()
		sanitized = append(sanitized, block)
	}
	return sanitized
}
