// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/lib/feed"
	"github.com/quill-foundation/quill/lib/metadb"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/secret"
	"github.com/quill-foundation/quill/lib/vclock"
	"github.com/quill-foundation/quill/transport"
)

// event is the internal union posted to the dispatcher by everything
// that does not already run on it: the frontend, the swarm, and peer
// read loops. Feed callbacks run inline because feed mutations only
// happen on the dispatcher.
type event interface{ isEvent() }

type frontendEvent struct{ msg ToBackend }
type peerEvent struct{ peer *transport.Peer }
type peerFrameEvent struct {
	peer    *transport.Peer
	channel uint8
	payload []byte
}
type peerTopicsEvent struct {
	peer   *transport.Peer
	topics []ref.DiscoveryID
}
type peerClosedEvent struct {
	peer *transport.Peer
	err  error
}
type fileWriteEvent struct {
	data     []byte
	mimeType string
	result   chan fileWriteResult
}
type fileReadEvent struct {
	id ref.ActorID
	cb func(data []byte, header FileHeader, err error)
}

type fileWriteResult struct {
	id  ref.ActorID
	err error
}

// taskEvent runs an arbitrary closure on the dispatcher. Used for
// work that must observe or mutate dispatcher-owned state from
// another goroutine.
type taskEvent struct{ fn func() }

func (frontendEvent) isEvent()   {}
func (peerEvent) isEvent()       {}
func (peerFrameEvent) isEvent()  {}
func (peerTopicsEvent) isEvent() {}
func (peerClosedEvent) isEvent() {}
func (fileWriteEvent) isEvent()  {}
func (fileReadEvent) isEvent()   {}
func (taskEvent) isEvent()       {}

// RepoBackend is the repository coordinator. It owns the actor and
// document tables and all collaborators, and exposes exactly one
// inbound contract (Receive) and one outbound (Notifications).
type RepoBackend struct {
	opts   Options
	logger *slog.Logger
	engine crdt.Engine

	db    *metadb.DB
	feeds *feed.Store
	swarm transport.Swarm

	meta   *Metadata
	repl   *ReplicationManager
	router *MessageRouter

	identity transport.Identity
	self     ref.PeerID
	// selfKeypair holds the repo identity's private key in protected
	// memory for the backend's lifetime; the transport identity is a
	// view into it.
	selfKeypair *metadb.Keypair

	actors map[ref.ActorID]*Actor
	docs   map[ref.DocID]*DocBackend

	events     chan event
	toFrontend chan ToFrontend
	done       chan struct{}
	closed     bool
}

// New opens (creating if necessary) a repository and starts its
// dispatcher. The caller must eventually Close it, directly or via a
// CloseMsg.
func New(opts Options) (*RepoBackend, error) {
	opts = opts.withDefaults()

	db, err := metadb.Open(metadb.Config{
		Path:   opts.Path,
		Memory: opts.Memory,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := &RepoBackend{
		opts:       opts,
		logger:     opts.Logger,
		engine:     opts.Engine,
		db:         db,
		feeds:      feed.NewStore(feed.Config{Path: opts.Path, Memory: opts.Memory, Logger: opts.Logger}),
		swarm:      opts.Swarm,
		actors:     make(map[ref.ActorID]*Actor),
		docs:       make(map[ref.DocID]*DocBackend),
		events:     make(chan event, 256),
		toFrontend: make(chan ToFrontend, 256),
		done:       make(chan struct{}),
	}

	if err := r.loadIdentity(); err != nil {
		db.Close()
		return nil, err
	}

	r.meta = newMetadata(r.logger, r.joinActor, r.leaveActor, r.persistMetadata)
	r.repl = newReplicationManager(r.logger, r.feeds, r.handleDiscovery)
	r.router = newMessageRouter(r.logger, r.handleRouted)

	if err := r.restoreMetadata(); err != nil {
		db.Close()
		return nil, err
	}

	go r.run()
	if r.swarm != nil {
		go r.swarmLoop()
	}

	r.logger.Info("repo backend started",
		"self", r.self.String(),
		"path", opts.Path,
		"memory", opts.Memory,
	)
	return r, nil
}

// loadIdentity reads or mints the repo identity keypair ("self.repo").
// The private key stays in its protected buffer; the transport
// identity signs through a view into it.
func (r *RepoBackend) loadIdentity() error {
	ctx := context.Background()
	stored, err := r.db.Keys.Get(ctx, metadb.SelfRepoKey)
	if err != nil {
		return err
	}
	if stored == nil {
		publicKey, privateKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("backend: generating repo identity: %w", err)
		}
		stored, err = metadb.NewKeypair(publicKey, privateKey)
		if err != nil {
			return err
		}
		if err := r.db.Keys.Set(ctx, metadb.SelfRepoKey, stored); err != nil {
			stored.Close()
			return err
		}
	}
	r.selfKeypair = stored
	r.identity = transport.IdentityFromKeypair(stored.Public, stored.PrivateKey())
	r.self = r.identity.ID
	return nil
}

// persistMetadata saves one document's metadata block after a
// mutation, so actor sets and merge clocks survive restarts.
func (r *RepoBackend) persistMetadata(docID ref.DocID) {
	block, ok := r.meta.Block(docID)
	if !ok {
		return
	}
	encoded, err := codec.Marshal(block)
	if err != nil {
		r.logger.Error("encoding metadata block failed", "doc", docID.String(), "error", err)
		return
	}
	if err := r.db.Meta.Save(context.Background(), docID, encoded); err != nil {
		r.logger.Error("persisting metadata block failed", "doc", docID.String(), "error", err)
	}
}

// restoreMetadata replays persisted metadata blocks into the
// registry. Writable bits are recomputed from the feed layer, so the
// blocks go through the same sanitizer as remote gossip.
func (r *RepoBackend) restoreMetadata() error {
	raw, err := r.db.Meta.LoadAll(context.Background())
	if err != nil {
		return err
	}
	blocks := make([]MetadataBlock, 0, len(raw))
	for _, encoded := range raw {
		var block MetadataBlock
		if err := codec.Unmarshal(encoded, &block); err != nil {
			r.logger.Error("dropping undecodable persisted metadata", "error", err)
			continue
		}
		blocks = append(blocks, block)
	}
	r.meta.AddBlocks(sanitizeRemoteMetadata(blocks))
	return nil
}

// Self returns the repo's peer id.
func (r *RepoBackend) Self() ref.PeerID { return r.self }

// Identity returns the repo's swarm identity, for wiring a transport.
func (r *RepoBackend) Identity() transport.Identity { return r.identity }

// AttachSwarm binds a swarm to a running backend that was opened
// without one. Topics for every known feed join immediately. This is
// the path for swarms that need the repo identity (minted when the
// backend opens) for peer authentication.
func (r *RepoBackend) AttachSwarm(swarm transport.Swarm) {
	attached := make(chan struct{})
	r.post(taskEvent{fn: func() {
		r.swarm = swarm
		for feedID := range r.repl.feedIDs {
			swarm.Join(feedID.Discovery())
		}
		close(attached)
	}})
	select {
	case <-attached:
		go r.swarmLoop()
	case <-r.done:
	}
}

// Receive is the single inbound contract: every frontend command
// enters here. Safe to call from any goroutine.
func (r *RepoBackend) Receive(msg ToBackend) {
	r.post(frontendEvent{msg: msg})
}

// Notifications is the single outbound contract: the stream of
// ToFrontend messages.
func (r *RepoBackend) Notifications() <-chan ToFrontend {
	return r.toFrontend
}

// Done is closed when the backend has shut down.
func (r *RepoBackend) Done() <-chan struct{} { return r.done }

// Close shuts the backend down and waits for the dispatcher to
// finish.
func (r *RepoBackend) Close() error {
	r.Receive(CloseMsg{})
	<-r.done
	return nil
}

// WriteFile stores data as a new file feed and returns its actor id.
// Safe to call from any goroutine.
func (r *RepoBackend) WriteFile(data []byte, mimeType string) (ref.ActorID, error) {
	result := make(chan fileWriteResult, 1)
	r.post(fileWriteEvent{data: data, mimeType: mimeType, result: result})
	select {
	case res := <-result:
		return res.id, res.err
	case <-r.done:
		return ref.ActorID{}, fmt.Errorf("backend: closed")
	}
}

// ReadFile runs cb with the file's content once its feed has synced.
// Safe to call from any goroutine; cb runs on the dispatcher.
func (r *RepoBackend) ReadFile(id ref.ActorID, cb func(data []byte, header FileHeader, err error)) {
	r.post(fileReadEvent{id: id, cb: cb})
}

func (r *RepoBackend) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *RepoBackend) emit(msg ToFrontend) {
	select {
	case r.toFrontend <- msg:
	case <-r.done:
	}
}

// swarmLoop forwards swarm arrivals to the dispatcher.
func (r *RepoBackend) swarmLoop() {
	for {
		select {
		case peer, ok := <-r.swarm.Peers():
			if !ok {
				return
			}
			r.post(peerEvent{peer: peer})
		case <-r.done:
			return
		}
	}
}

// run is the dispatcher: one event at a time, each handler to
// completion.
func (r *RepoBackend) run() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.dispatch(ev)
		}
	}
}

func (r *RepoBackend) dispatch(ev event) {
	switch ev := ev.(type) {
	case frontendEvent:
		r.handleRequest(ev.msg)
	case peerEvent:
		r.onPeer(ev.peer)
	case peerFrameEvent:
		switch ev.channel {
		case transport.ChannelReplication:
			r.repl.HandleMessage(ev.peer, ev.payload)
		case transport.ChannelGossip:
			r.router.HandleFrame(ev.peer, ev.payload)
		default:
			r.logger.Info("frame on unknown channel",
				"peer", ev.peer.ID().String(), "channel", ev.channel)
		}
	case peerTopicsEvent:
		r.repl.OnPeerTopics(ev.peer, ev.topics)
	case peerClosedEvent:
		r.onPeerClosed(ev.peer, ev.err)
	case fileWriteEvent:
		id, err := r.handleWriteFile(ev.data, ev.mimeType)
		ev.result <- fileWriteResult{id: id, err: err}
	case fileReadEvent:
		r.handleReadFile(ev.id, ev.cb)
	case taskEvent:
		ev.fn()
	}
}

// handleRequest routes one frontend command.
func (r *RepoBackend) handleRequest(msg ToBackend) {
	switch msg := msg.(type) {
	case CreateMsg:
		r.handleCreate(msg)
	case OpenMsg:
		r.handleOpen(msg.ID)
	case NeedsActorIDMsg:
		r.handleNeedsActorID(msg.ID)
	case RequestMsg:
		r.handleLocalRequest(msg.ID, msg.Request)
	case MergeMsg:
		r.handleMerge(msg.ID, msg.Actors)
	case QueryMsg:
		r.handleQuery(msg.ID, msg.Query)
	case DocumentMsg:
		r.handleOutboundDocumentMessage(msg.ID, msg.Contents)
	case DestroyMsg:
		r.handleDestroy(msg.ID)
	case DebugMsg:
		r.handleDebug(msg.ID)
	case CloseMsg:
		r.shutdown()
	default:
		r.logger.Info("unknown frontend message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleCreate mints a new document from an explicit keypair: the doc
// id is the public key, and the root actor is locally writable.
func (r *RepoBackend) handleCreate(msg CreateMsg) {
	docID := ref.DocIDFromPublicKey(msg.PublicKey)
	actorID := docID.RootActor()

	// The secret moves into protected memory; msg.SecretKey is zeroed.
	keypair, err := metadb.NewKeypair(msg.PublicKey, msg.SecretKey)
	if err != nil {
		r.logger.Error("protecting new document key failed", "doc", docID.String(), "error", err)
		return
	}
	if err := r.db.Keys.Set(context.Background(), actorID.String(), keypair); err != nil {
		keypair.Close()
		r.logger.Error("persisting new document key failed", "doc", docID.String(), "error", err)
		return
	}

	doc := newDocBackend(docID, r.engine, r.docNotify(docID))
	r.docs[docID] = doc

	r.meta.AddActor(docID, actorID)
	r.ensureActor(actorID, keypair.Secret)
	r.meta.MarkReady(docID)

	if err := doc.Init(nil, actorID); err != nil {
		r.logger.Error("initializing created document failed", "doc", docID.String(), "error", err)
	}
}

// handleOpen ensures a DocBackend exists for id and starts the
// loading algorithm. Opening a known file feed is an error.
func (r *RepoBackend) handleOpen(id ref.DocID) {
	if r.meta.IsFile(id) {
		r.logger.Error("open rejected: id is a file feed", "doc", id.String())
		return
	}
	if _, ok := r.docs[id]; ok {
		r.logger.Debug("open of an already-open document", "doc", id.String())
		return
	}

	doc := newDocBackend(id, r.engine, r.docNotify(id))
	r.docs[id] = doc

	r.meta.AddActor(id, id.RootActor())
	r.loadDocument(doc)
}

// loadDocument runs the document loading algorithm: wait for the
// known actors, slice each change log up to the merge clock, and
// initialize the CRDT with a writable actor (reused or minted).
func (r *RepoBackend) loadDocument(doc *DocBackend) {
	for _, actorID := range r.meta.Actors(doc.id) {
		r.ensureActor(actorID, nil)
	}
	r.meta.MarkReady(doc.id)

	r.meta.ActorsAsync(doc.id, func(actorIDs []ref.ActorID) {
		actors := make([]*Actor, 0, len(actorIDs))
		for _, actorID := range actorIDs {
			if actor := r.ensureActor(actorID, nil); actor != nil {
				actors = append(actors, actor)
			}
		}
		remaining := len(actors)
		if remaining == 0 {
			r.finishLoad(doc)
			return
		}
		for _, actor := range actors {
			actor.OnReady(func(*Actor) {
				remaining--
				if remaining == 0 {
					r.finishLoad(doc)
				}
			})
		}
	})
}

// finishLoad assembles the initial change list. The slicing rule: a
// document loads exactly what its merge clock requests from each
// actor, not everything locally available.
func (r *RepoBackend) finishLoad(doc *DocBackend) {
	var loaded []crdt.Change
	for _, actorID := range r.meta.Actors(doc.id) {
		actor, ok := r.actors[actorID]
		if !ok {
			continue
		}
		requested := r.meta.ClockAt(doc.id, actorID)
		available := uint64(len(actor.changes))
		take := min(requested, available)
		loaded = append(loaded, actor.changes[:take]...)
	}

	actorID, ok := r.meta.LocalActorID(doc.id)
	if !ok {
		actorID = r.initActorFeed(doc.id)
	}
	if err := doc.Init(loaded, actorID); err != nil {
		r.logger.Error("initializing document failed", "doc", doc.id.String(), "error", err)
	}
}

// initActorFeed mints a new writable actor for doc.
func (r *RepoBackend) initActorFeed(doc ref.DocID) ref.ActorID {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic("backend: generating actor keypair: " + err.Error())
	}
	actorID := ref.ActorIDFromPublicKey(publicKey)

	keypair, err := metadb.NewKeypair(publicKey, privateKey)
	if err != nil {
		panic("backend: protecting actor keypair: " + err.Error())
	}
	if err := r.db.Keys.Set(context.Background(), actorID.String(), keypair); err != nil {
		r.logger.Error("persisting actor key failed", "actor", actorID.String(), "error", err)
	}

	r.meta.AddActor(doc, actorID)
	r.ensureActor(actorID, keypair.Secret)
	return actorID
}

// ensureActor opens (or returns) the actor for id. The feed loads
// synchronously; existing blocks replay through the subscription
// before the ready queue opens. The feed takes ownership of the
// secret buffer (passed in or loaded from the key store) and zeros it
// when the actor closes.
func (r *RepoBackend) ensureActor(id ref.ActorID, secretKey *secret.Buffer) *Actor {
	if actor, ok := r.actors[id]; ok {
		return actor
	}

	if secretKey == nil {
		if stored, err := r.db.Keys.Get(context.Background(), id.String()); err == nil && stored != nil {
			secretKey = stored.Secret
		}
	}

	f, err := r.feeds.Open(id, secretKey)
	if err != nil {
		r.logger.Error("opening feed failed", "actor", id.String(), "error", err)
		return nil
	}

	actor := newActor(id, f, r.logger)
	r.actors[id] = actor

	f.Subscribe(func(seq uint64, block []byte) {
		r.onActorBlock(actor, seq, block)
	})
	f.OnSync(func() {
		r.onActorSync(actor)
	})
	f.OnDownload(func(seq uint64, size int) {
		r.onActorDownload(actor, seq, size)
	})

	r.meta.SetWritable(id, f.Writable())
	actor.q.open()

	if f.Len() == 0 && f.Writable() {
		r.onActorInitialized(actor)
	} else {
		r.onActorFeedReady(actor)
	}
	return actor
}

// joinActor is Metadata's join callback: the swarm starts looking for
// the feed the moment the actor is first seen anywhere.
func (r *RepoBackend) joinActor(id ref.ActorID) {
	r.repl.AddFeedIDs(id)
	if r.swarm != nil {
		r.swarm.Join(id.Discovery())
	}
}

// leaveActor is Metadata's leave callback, fired when a destroy
// orphans an actor.
func (r *RepoBackend) leaveActor(id ref.ActorID) {
	if r.swarm != nil {
		r.swarm.Leave(id.Discovery())
	}
}

// onActorInitialized: a fresh empty writable feed. There is nothing
// to gossip yet; the swarm join (via metadata) is all that happens.
func (r *RepoBackend) onActorInitialized(actor *Actor) {
	r.logger.Debug("actor initialized", "actor", actor.id.String(), "writable", actor.Writable())
}

// onActorFeedReady: the feed loaded from disk or was opened
// read-only. Re-gossip metadata and clocks to every peer interested
// in any document containing this actor.
func (r *RepoBackend) onActorFeedReady(actor *Actor) {
	r.meta.SetWritable(actor.id, actor.Writable())
	r.gossipActor(actor.id, nil)
	r.logger.Debug("actor feed ready",
		"actor", actor.id.String(),
		"writable", actor.Writable(),
		"length", actor.feed.Len(),
		"class", actor.class.String(),
	)
}

// onActorBlock ingests one block (local append or replicated) into
// the actor's buffers. File classification updates metadata.
func (r *RepoBackend) onActorBlock(actor *Actor, seq uint64, block []byte) {
	wasUnknown := actor.class == classUnknown
	actor.applyBlock(seq, block)
	if wasUnknown && actor.class == classFile && actor.header != nil {
		r.meta.SetFile(actor.id.Doc(), *actor.header)
	}
}

// onActorSync fires when a feed catches up with its remotes (or after
// a local append, which is trivially synced): one-shot readers run,
// then every document containing the actor replays new changes.
func (r *RepoBackend) onActorSync(actor *Actor) {
	actor.syncQ.open()
	r.syncChanges(actor)
}

// syncChanges propagates newly arrived changes from actor into every
// document that contains it, bounded by each document's merge clock.
// The ready deferral guarantees changes never land before init.
func (r *RepoBackend) syncChanges(actor *Actor) {
	for _, docID := range r.meta.DocsWith(actor.id) {
		doc, ok := r.docs[docID]
		if !ok {
			continue
		}
		doc.ready.push(func() {
			requested := r.meta.ClockAt(docID, actor.id)
			applied := doc.changes[actor.id]
			available := uint64(len(actor.changes))

			var batch []crdt.Change
			for seq := applied + 1; seq <= requested && seq <= available; seq++ {
				batch = append(batch, actor.changes[seq-1])
			}
			if len(batch) == 0 {
				return
			}
			if err := doc.ApplyRemoteChanges(batch); err != nil {
				r.logger.Error("applying remote changes failed",
					"doc", docID.String(), "actor", actor.id.String(), "error", err)
			}
		})
	}
}

// onActorDownload re-broadcasts per-block download progress to every
// document containing the actor.
func (r *RepoBackend) onActorDownload(actor *Actor, seq uint64, size int) {
	now := time.Now().UnixMilli()
	for _, docID := range r.meta.DocsWith(actor.id) {
		r.emit(ActorBlockDownloadedMsg{
			ID:      docID,
			ActorID: actor.id,
			Index:   seq,
			Size:    size,
			Time:    now,
		})
	}
}

// docNotify returns the DocBackend notification handler for one
// document.
func (r *RepoBackend) docNotify(docID ref.DocID) func(DocBackendMsg) {
	return func(msg DocBackendMsg) {
		doc, ok := r.docs[docID]
		if !ok {
			return
		}
		switch msg := msg.(type) {
		case DocReadyMsg:
			r.emit(ReadyMsg{
				ID:                    docID,
				ActorID:               doc.ActorID(),
				MinimumClockSatisfied: r.getGoodClock(doc) != nil,
				History:               msg.History,
				Patch:                 msg.Patch,
			})

		case DocActorIDMsg:
			r.emit(ActorIDMsg{ID: docID, ActorID: msg.ActorID})

		case DocLocalPatchMsg:
			r.handleDocLocalPatch(doc, msg)

		case DocRemotePatchMsg:
			good := r.getGoodClock(doc)
			if good != nil {
				r.updateSelfClock(docID, good)
			}
			r.emit(PatchMsg{
				ID:                    docID,
				MinimumClockSatisfied: good != nil,
				History:               msg.History,
				Patch:                 msg.Patch,
			})
		}
	}
}

// handleDocLocalPatch persists a local change: the feed append
// happens synchronously here, before the dispatcher moves on, so no
// remote change for the same (doc, actor) can intervene between the
// patch and the write.
func (r *RepoBackend) handleDocLocalPatch(doc *DocBackend, msg DocLocalPatchMsg) {
	actor, ok := r.actors[doc.ActorID()]
	if !ok {
		r.logger.Error("local patch for a document with no local actor",
			"doc", doc.id.String(), "actor", doc.ActorID().String())
		return
	}

	if err := actor.WriteChange(msg.Change); err != nil {
		r.logger.Error("writing local change failed",
			"doc", doc.id.String(), "actor", actor.id.String(), "error", err)
		return
	}

	// Advance the merge clock: the document has requested its own
	// change, by definition.
	r.meta.Merge(doc.id, vclock.Clock{actor.id: msg.Change.Seq})

	// A local change is durably in the local feed; the document's
	// clock is a persisted baseline from this moment on.
	r.updateSelfClock(doc.id, doc.Clock())

	r.emit(PatchMsg{
		ID:                    doc.id,
		MinimumClockSatisfied: true,
		History:               msg.History,
		Patch:                 msg.Patch,
	})

	// Push the new record and the updated metadata to interested
	// peers, then let sibling documents replay the change.
	if record, err := actor.feed.Record(msg.Change.Seq); err == nil {
		r.repl.BroadcastRecord(actor.id, record)
	}
	r.gossipActor(actor.id, nil)
	r.onActorSync(actor)
}

// getGoodClock implements the satisfied-clock predicate: a clock is
// "good" when the document's visible state is at least as advanced as
// some previously persisted baseline.
func (r *RepoBackend) getGoodClock(doc *DocBackend) vclock.Clock {
	ctx := context.Background()
	has, err := r.db.Clocks.Has(ctx, r.self, doc.id)
	if err != nil {
		r.logger.Error("clock store read failed", "doc", doc.id.String(), "error", err)
		return nil
	}
	if has {
		return doc.Clock()
	}
	good, err := r.db.Clocks.MaximumSatisfiedClock(ctx, r.self, doc.id, doc.Clock())
	if err != nil {
		r.logger.Error("clock store scan failed", "doc", doc.id.String(), "error", err)
		return nil
	}
	return good
}

func (r *RepoBackend) updateSelfClock(docID ref.DocID, clock vclock.Clock) {
	if _, _, err := r.db.Clocks.Update(context.Background(), r.self, docID, clock); err != nil {
		r.logger.Error("persisting clock baseline failed", "doc", docID.String(), "error", err)
	}
}

// handleNeedsActorID assigns (minting if necessary) a writable actor
// to the document.
func (r *RepoBackend) handleNeedsActorID(id ref.DocID) {
	doc, ok := r.docs[id]
	if !ok {
		r.logger.Info("needs-actor-id for an unknown document", "doc", id.String())
		return
	}
	doc.ready.push(func() {
		if !doc.ActorID().IsZero() {
			doc.InitActor(doc.ActorID())
			return
		}
		actorID, ok := r.meta.LocalActorID(id)
		if !ok {
			actorID = r.initActorFeed(id)
		}
		doc.InitActor(actorID)
	})
}

// handleLocalRequest applies a local CRDT change.
func (r *RepoBackend) handleLocalRequest(id ref.DocID, request crdt.Request) {
	doc, ok := r.docs[id]
	if !ok {
		r.logger.Info("request for an unknown document", "doc", id.String())
		return
	}
	doc.ready.push(func() {
		if err := doc.ApplyLocalChange(request); err != nil {
			r.logger.Error("local change failed", "doc", id.String(), "error", err)
		}
	})
}

// handleMerge unions an external clock into the document and syncs
// any actors that are already ready.
func (r *RepoBackend) handleMerge(id ref.DocID, actors vclock.Clock) {
	if _, ok := r.docs[id]; !ok {
		r.logger.Info("merge for an unknown document", "doc", id.String())
		return
	}
	r.meta.Merge(id, actors)
	r.syncReadyActors(actors.Actors())
}

// handleQuery serves read-only queries, tagging replies with the
// query id.
func (r *RepoBackend) handleQuery(queryID uint64, query Query) {
	switch query := query.(type) {
	case MetadataQuery:
		r.emit(ReplyMsg{ID: queryID, Payload: r.meta.PublicMetadata(query.ID)})

	case MaterializeQuery:
		doc, ok := r.docs[query.ID]
		if !ok {
			r.emit(ReplyMsg{ID: queryID, Payload: nil})
			return
		}
		doc.ready.push(func() {
			view, err := doc.Materialize(query.History)
			if err != nil {
				r.logger.Error("materialize failed", "doc", query.ID.String(), "error", err)
				r.emit(ReplyMsg{ID: queryID, Payload: nil})
				return
			}
			r.emit(ReplyMsg{ID: queryID, Payload: view})
		})

	default:
		r.logger.Info("unknown query", "type", fmt.Sprintf("%T", query))
	}
}

// handleOutboundDocumentMessage gossips an application payload to all
// peers interested in the document.
func (r *RepoBackend) handleOutboundDocumentMessage(id ref.DocID, contents any) {
	topics := make([]ref.DiscoveryID, 0)
	for _, actorID := range r.meta.Actors(id) {
		topics = append(topics, actorID.Discovery())
	}
	peers := r.repl.GetPeersWith(topics...)
	r.router.SendToPeers(peers, PeerDocumentMsg{ID: id, Contents: contents})
}

// handleDestroy drops the document and purges actors no longer
// referenced by any surviving document.
func (r *RepoBackend) handleDestroy(id ref.DocID) {
	delete(r.docs, id)
	r.meta.Delete(id)
	if err := r.db.Meta.Delete(context.Background(), id); err != nil {
		r.logger.Error("deleting persisted metadata failed", "doc", id.String(), "error", err)
	}

	surviving := r.meta.AllActors()
	for actorID, actor := range r.actors {
		if surviving[actorID] {
			continue
		}
		actor.destroy()
		if err := r.feeds.Remove(actorID); err != nil {
			r.logger.Info("removing feed failed", "actor", actorID.String(), "error", err)
		}
		delete(r.actors, actorID)
	}
}

// handleDebug logs a dump of the document's internal state.
func (r *RepoBackend) handleDebug(id ref.DocID) {
	doc, ok := r.docs[id]
	if !ok {
		r.logger.Info("debug: unknown document", "doc", id.String())
		return
	}
	r.logger.Info("debug: document state",
		"doc", id.String(),
		"local_actor", doc.ActorID().String(),
		"clock", doc.Clock(),
		"actors", len(r.meta.Actors(id)),
	)
	for _, actorID := range r.meta.Actors(id) {
		actor, ok := r.actors[actorID]
		if !ok {
			r.logger.Info("debug: actor not loaded", "actor", actorID.String())
			continue
		}
		r.logger.Info("debug: actor state",
			"actor", actorID.String(),
			"class", actor.class.String(),
			"writable", actor.Writable(),
			"feed_length", actor.feed.Len(),
			"changes", len(actor.changes),
			"peers", len(actor.peers),
		)
	}
}

// handleWriteFile stores data in a fresh writable file feed.
func (r *RepoBackend) handleWriteFile(data []byte, mimeType string) (ref.ActorID, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ref.ActorID{}, fmt.Errorf("backend: generating file keypair: %w", err)
	}
	actorID := ref.ActorIDFromPublicKey(publicKey)

	keypair, err := metadb.NewKeypair(publicKey, privateKey)
	if err != nil {
		return ref.ActorID{}, err
	}
	if err := r.db.Keys.Set(context.Background(), actorID.String(), keypair); err != nil {
		keypair.Close()
		return ref.ActorID{}, err
	}

	r.meta.AddActor(actorID.Doc(), actorID)
	actor := r.ensureActor(actorID, keypair.Secret)
	if actor == nil {
		return ref.ActorID{}, fmt.Errorf("backend: opening file feed failed")
	}
	if err := actor.WriteFile(data, mimeType); err != nil {
		return ref.ActorID{}, err
	}
	// A locally written file is complete; readers need not wait for
	// a remote sync.
	r.onActorSync(actor)
	return actorID, nil
}

// handleReadFile resolves a file feed and defers the read until its
// content has synced.
func (r *RepoBackend) handleReadFile(id ref.ActorID, cb func([]byte, FileHeader, error)) {
	r.meta.AddActor(id.Doc(), id)
	actor := r.ensureActor(id, nil)
	if actor == nil {
		cb(nil, FileHeader{}, fmt.Errorf("backend: opening feed %s failed", id))
		return
	}
	actor.ReadFile(cb)
}

// onPeer wires a newly connected peer: frames and topic events post
// back to the dispatcher, and the replication manager evaluates its
// interests.
func (r *RepoBackend) onPeer(peer *transport.Peer) {
	peer.Handle(
		func(channel uint8, payload []byte) {
			r.post(peerFrameEvent{peer: peer, channel: channel, payload: payload})
		},
		func(added []ref.DiscoveryID) {
			r.post(peerTopicsEvent{peer: peer, topics: added})
		},
		func(err error) {
			r.post(peerClosedEvent{peer: peer, err: err})
		},
	)
	r.repl.OnPeer(peer)
	r.logger.Debug("peer connected", "peer", peer.ID().String())
}

func (r *RepoBackend) onPeerClosed(peer *transport.Peer, err error) {
	r.repl.RemovePeer(peer)
	for _, actor := range r.actors {
		actor.removePeer(peer)
	}
	r.logger.Debug("peer disconnected", "peer", peer.ID().String(), "error", err)
}

// handleDiscovery: a peer just showed interest in a feed. Metadata
// and clocks go first — the receiver needs the merge clock before
// change replay means anything — then the block advertisement.
func (r *RepoBackend) handleDiscovery(d Discovery) {
	if actor, ok := r.actors[d.FeedID]; ok {
		actor.addPeer(d.Peer)
	}
	r.gossipActor(d.FeedID, []*transport.Peer{d.Peer})
	r.repl.Advertise(d.Peer, d.FeedID)
}

// gossipActor sends RemoteMetadata for every document containing the
// actor. A nil peer list targets every peer interested in any of
// those documents.
func (r *RepoBackend) gossipActor(actorID ref.ActorID, peers []*transport.Peer) {
	docs := r.meta.DocsWith(actorID)
	if len(docs) == 0 {
		return
	}

	blocks := make([]MetadataBlock, 0, len(docs))
	clocks := make(map[string]vclock.Clock, len(docs))
	topics := make([]ref.DiscoveryID, 0)
	for _, docID := range docs {
		block, ok := r.meta.Block(docID)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
		clock := block.Merge
		if doc, open := r.docs[docID]; open {
			clock = doc.Clock()
		}
		// An empty clock is not a baseline worth gossiping.
		if !clock.IsEmpty() {
			clocks[docID.String()] = clock
		}
		for _, id := range block.Actors {
			topics = append(topics, id.Discovery())
		}
	}
	if peers == nil {
		peers = r.repl.GetPeersWith(topics...)
	}
	if len(peers) == 0 {
		return
	}
	r.router.SendToPeers(peers, RemoteMetadataMsg{Blocks: blocks, Clocks: clocks})
}

// handleRouted processes one inbound gossip message.
func (r *RepoBackend) handleRouted(routed Routed) {
	switch msg := routed.Msg.(type) {
	case RemoteMetadataMsg:
		r.handleRemoteMetadata(routed.Sender, msg)
	case PeerDocumentMsg:
		r.emit(DocumentMsg{ID: msg.ID, Contents: msg.Contents})
	default:
		r.logger.Info("unhandled gossip message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleRemoteMetadata merges a peer's view: clocks into the clock
// store, blocks into metadata, then every referenced actor syncs.
func (r *RepoBackend) handleRemoteMetadata(sender *transport.Peer, msg RemoteMetadataMsg) {
	ctx := context.Background()
	for docKey, clock := range msg.Clocks {
		docID, err := ref.ParseDocID(docKey)
		if err != nil {
			r.logger.Info("dropping clock for unparseable doc id",
				"peer", sender.ID().String(), "doc", docKey)
			continue
		}
		if _, _, err := r.db.Clocks.Update(ctx, sender.ID(), docID, clock.Canonical()); err != nil {
			r.logger.Error("merging peer clock failed", "doc", docKey, "error", err)
		}
	}

	blocks := sanitizeRemoteMetadata(msg.Blocks)
	r.meta.AddBlocks(blocks)

	var ids []ref.ActorID
	for _, block := range blocks {
		ids = append(ids, block.Actors...)
		ids = append(ids, block.Merge.Actors()...)
	}
	r.syncReadyActors(ids)
}

// syncReadyActors ensures an actor exists for every id and replays
// new changes into the documents that contain it. Unknown actors are
// created read-only; the swarm join happens through the metadata join
// callback when the actor first entered a doc's set.
func (r *RepoBackend) syncReadyActors(ids []ref.ActorID) {
	seen := make(map[ref.ActorID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		actor := r.ensureActor(id, nil)
		if actor != nil {
			r.syncChanges(actor)
		}
	}
}

// shutdown tears everything down. In-flight callbacks become no-ops
// once done is closed.
func (r *RepoBackend) shutdown() {
	if r.closed {
		return
	}
	r.closed = true

	for _, actor := range r.actors {
		actor.destroy()
	}
	if err := r.feeds.Close(); err != nil {
		r.logger.Error("closing feed store failed", "error", err)
	}
	if err := r.db.Close(); err != nil {
		r.logger.Error("closing metadata database failed", "error", err)
	}
	if r.swarm != nil {
		if err := r.swarm.Close(); err != nil {
			r.logger.Error("closing swarm failed", "error", err)
		}
	}
	// Last: nothing signs after the swarm is down, so the identity
	// key can be zeroed.
	if r.selfKeypair != nil {
		if err := r.selfKeypair.Close(); err != nil {
			r.logger.Error("releasing identity key failed", "error", err)
		}
	}
	r.logger.Info("repo backend stopped", "self", r.self.String())
	close(r.done)
}
