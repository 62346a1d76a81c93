// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/lib/feed"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/transport"
)

// fileChunkSize is the fixed chunk size for file feed blocks after
// the header.
const fileChunkSize = 1 << 20

// actorClass is an actor's lazily decided classification. Unknown
// until the first block arrives; block 1 with a "type" field is a
// file header, anything else is the first CRDT change.
type actorClass int

const (
	classUnknown actorClass = iota
	classAutomerge
	classFile
)

func (c actorClass) String() string {
	switch c {
	case classAutomerge:
		return "automerge"
	case classFile:
		return "file"
	default:
		return "unknown"
	}
}

// Actor is the lifecycle wrapper over one feed: the classification
// state machine, the parsed change buffer, the peer set, and the two
// deferral queues (q until feed ready, syncQ until first sync).
//
// Actors live on the dispatcher; all methods run there.
type Actor struct {
	id     ref.ActorID
	feed   *feed.Feed
	logger *slog.Logger

	class actorClass

	// changes holds parsed CRDT changes for automerge actors;
	// changes[i] has seq i+1 and the buffer is always dense.
	changes []crdt.Change

	// data holds file chunk blocks (excluding the header) for file
	// actors.
	data   [][]byte
	header *FileHeader

	// peers currently attached to this feed's topic.
	peers map[ref.PeerID]*transport.Peer

	// q defers work until the feed has loaded; syncQ until the first
	// sync with a remote.
	q     *workQueue
	syncQ *workQueue

	closed bool
}

func newActor(id ref.ActorID, f *feed.Feed, logger *slog.Logger) *Actor {
	return &Actor{
		id:     id,
		feed:   f,
		logger: logger,
		peers:  make(map[ref.PeerID]*transport.Peer),
		q:      newWorkQueue(),
		syncQ:  newWorkQueue(),
	}
}

// ID returns the actor id.
func (a *Actor) ID() ref.ActorID { return a.id }

// Writable reports whether the local process holds the secret key.
func (a *Actor) Writable() bool { return a.feed.Writable() }

// Feed returns the backing feed.
func (a *Actor) Feed() *feed.Feed { return a.feed }

// Changes returns the dense parsed change buffer.
func (a *Actor) Changes() []crdt.Change { return a.changes }

// OnReady runs fn once the feed has loaded (immediately if it has).
func (a *Actor) OnReady(fn func(*Actor)) {
	a.q.push(func() { fn(a) })
}

// applyBlock ingests one feed block in ascending sequence order:
// classification on the first block, buffering afterwards. Returns
// true when the block was a CRDT change. Documents replay new
// changes on the feed's sync event, not per block.
func (a *Actor) applyBlock(seq uint64, block []byte) bool {
	if a.class == classUnknown && seq == 1 {
		var probe struct {
			Type string `cbor:"type"`
		}
		if err := codec.Unmarshal(block, &probe); err == nil && probe.Type == fileHeaderType {
			var header FileHeader
			if err := codec.Unmarshal(block, &header); err != nil {
				a.logger.Info("undecodable file header", "actor", a.id.String(), "error", err)
				return false
			}
			a.class = classFile
			a.header = &header
			return false
		}
		a.class = classAutomerge
	}

	switch a.class {
	case classAutomerge:
		change, err := crdt.DecodeChange(block)
		if err != nil {
			a.logger.Info("dropping undecodable change block",
				"actor", a.id.String(), "seq", seq, "error", err)
			return false
		}
		if change.Actor != a.id || change.Seq != seq {
			a.logger.Info("dropping change block with mismatched header",
				"actor", a.id.String(), "seq", seq,
				"change_actor", change.Actor.String(), "change_seq", change.Seq)
			return false
		}
		a.changes = append(a.changes, change)
		return true

	case classFile:
		a.data = append(a.data, block)
		return false
	}
	return false
}

// WriteChange appends a local CRDT change to the feed. The sequence
// must be exactly one past the buffer — anything else is a
// correctness bug upstream and panics (a skipped sequence would
// corrupt every replica's view of this actor).
func (a *Actor) WriteChange(change crdt.Change) error {
	if a.class == classFile {
		return fmt.Errorf("backend: actor %s is a file feed, cannot write changes", a.id)
	}
	if want := uint64(len(a.changes)) + 1; change.Seq != want {
		panic(fmt.Sprintf("backend: actor %s: writeChange with seq %d, feed expects %d", a.id, change.Seq, want))
	}

	block, err := crdt.EncodeChange(change)
	if err != nil {
		return err
	}
	// The feed subscription parses the block back into a.changes
	// synchronously during Append, keeping the buffer and the log in
	// lockstep through a single path.
	if _, err := a.feed.Append(block); err != nil {
		// An append failure means the log is compromised; there is
		// no way to keep this actor consistent.
		return fmt.Errorf("backend: appending change %d to %s: %w", change.Seq, a.id, err)
	}
	return nil
}

// WriteFile writes a file header and fixed-size chunks. Only legal on
// an empty writable feed — a feed holds exactly one file, written
// once.
func (a *Actor) WriteFile(data []byte, mimeType string) error {
	if a.feed.Len() > 0 || a.class != classUnknown {
		return fmt.Errorf("backend: actor %s already has content, cannot write a file", a.id)
	}
	header := FileHeader{Type: fileHeaderType, Bytes: uint64(len(data)), MimeType: mimeType}
	headerBlock, err := codec.Marshal(header)
	if err != nil {
		return fmt.Errorf("backend: encoding file header: %w", err)
	}
	if _, err := a.feed.Append(headerBlock); err != nil {
		return fmt.Errorf("backend: appending file header to %s: %w", a.id, err)
	}

	for offset := 0; offset < len(data); offset += fileChunkSize {
		end := min(offset+fileChunkSize, len(data))
		if _, err := a.feed.Append(data[offset:end]); err != nil {
			return fmt.Errorf("backend: appending file chunk to %s: %w", a.id, err)
		}
	}
	return nil
}

// ReadFile runs cb with the whole file once the feed has synced. The
// concatenated length is validated against the header.
func (a *Actor) ReadFile(cb func(data []byte, header FileHeader, err error)) {
	a.syncQ.push(func() {
		if a.class != classFile || a.header == nil {
			cb(nil, FileHeader{}, fmt.Errorf("backend: actor %s is not a file feed", a.id))
			return
		}
		data := bytes.Join(a.data, nil)
		if uint64(len(data)) != a.header.Bytes {
			cb(nil, *a.header, fmt.Errorf("backend: file %s is %d bytes, header says %d",
				a.id, len(data), a.header.Bytes))
			return
		}
		cb(data, *a.header, nil)
	})
}

// addPeer attaches a peer interested in this feed. Reports whether it
// was new.
func (a *Actor) addPeer(peer *transport.Peer) bool {
	if _, ok := a.peers[peer.ID()]; ok {
		return false
	}
	a.peers[peer.ID()] = peer
	return true
}

func (a *Actor) removePeer(peer *transport.Peer) {
	delete(a.peers, peer.ID())
}

// peerList returns the currently attached peers.
func (a *Actor) peerList() []*transport.Peer {
	peers := make([]*transport.Peer, 0, len(a.peers))
	for _, peer := range a.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (a *Actor) destroy() {
	if a.closed {
		return
	}
	a.closed = true
	if err := a.feed.Close(); err != nil {
		a.logger.Info("closing feed failed", "actor", a.id.String(), "error", err)
	}
}
