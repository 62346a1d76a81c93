// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/lib/feed"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/testutil"
	"github.com/quill-foundation/quill/lib/vclock"
	"github.com/quill-foundation/quill/transport"
)

const notifyTimeout = 10 * time.Second

// await reads notifications until one of type T arrives, skipping
// everything else (download progress interleaves freely).
func await[T ToFrontend](t *testing.T, r *RepoBackend) T {
	t.Helper()
	deadline := time.After(notifyTimeout)
	for {
		select {
		case msg := <-r.Notifications():
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			panic("unreachable")
		}
	}
}

// runOnDispatcher executes fn on the repo's dispatcher and waits for
// it to complete.
func runOnDispatcher(t *testing.T, r *RepoBackend, fn func()) {
	t.Helper()
	done := make(chan struct{})
	r.post(taskEvent{fn: func() {
		fn()
		close(done)
	}})
	testutil.RequireClosed(t, done, notifyTimeout, "dispatcher task")
}

func newMemoryRepo(t *testing.T, swarm transport.Swarm) *RepoBackend {
	t.Helper()
	r, err := New(Options{Memory: true, Swarm: swarm})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func newKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return publicKey, privateKey
}

func editRequest(t *testing.T, ops ...crdt.EditOp) crdt.Request {
	t.Helper()
	request, err := crdt.NewEditRequest(ops...)
	if err != nil {
		t.Fatalf("NewEditRequest: %v", err)
	}
	return request
}

func patchText(t *testing.T, patch crdt.Patch) string {
	t.Helper()
	text, ok := patch.(crdt.TextPatch)
	if !ok {
		t.Fatalf("patch is %T, want crdt.TextPatch", patch)
	}
	return text.Text
}

func materialize(t *testing.T, r *RepoBackend, id ref.DocID, queryID uint64) any {
	t.Helper()
	r.Receive(QueryMsg{ID: queryID, Query: MaterializeQuery{ID: id}})
	for {
		reply := await[ReplyMsg](t, r)
		if reply.ID == queryID {
			return reply.Payload
		}
	}
}

// Scenario 1: create, assign an actor, apply a local change, observe
// the exact frontend emission sequence.
func TestCreateApplyObserve(t *testing.T) {
	r := newMemoryRepo(t, nil)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)

	r.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})

	ready := await[ReadyMsg](t, r)
	if ready.ID != docID {
		t.Fatalf("ReadyMsg for %s, want %s", ready.ID, docID)
	}
	if ready.ActorID != docID.RootActor() {
		t.Fatalf("ReadyMsg actor = %s, want the root actor %s", ready.ActorID, docID.RootActor())
	}
	if ready.MinimumClockSatisfied {
		t.Fatal("fresh document reports a satisfied clock")
	}

	r.Receive(NeedsActorIDMsg{ID: docID})
	actorMsg := await[ActorIDMsg](t, r)
	if actorMsg.ActorID != docID.RootActor() {
		t.Fatalf("ActorIDMsg actor = %s, want %s", actorMsg.ActorID, docID.RootActor())
	}

	r.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "x"))})
	patch := await[PatchMsg](t, r)
	if !patch.MinimumClockSatisfied {
		t.Fatal("clock not satisfied after the first local change persisted")
	}
	if got := patchText(t, patch.Patch); got != "x" {
		t.Fatalf("patch text = %q, want %q", got, "x")
	}
}

// Scenario 2: a restart finds the persisted baseline, so reopening
// reports a satisfied clock and the full document.
func TestReopenPersistsSatisfiedClock(t *testing.T) {
	dir := t.TempDir()

	r, err := New(Options{Path: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)

	r.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r)
	r.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, r)
	r.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "x"))})
	await[PatchMsg](t, r)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Options{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	reopened.Receive(OpenMsg{ID: docID})
	ready := await[ReadyMsg](t, reopened)
	if !ready.MinimumClockSatisfied {
		t.Fatal("reopened document does not report the persisted baseline")
	}
	if got := materialize(t, reopened, docID, 1); got != "x" {
		t.Fatalf("reopened materialization = %q, want %q", got, "x")
	}
}

func connectedRepos(t *testing.T) (*RepoBackend, *RepoBackend) {
	t.Helper()
	network := transport.NewMemoryNetwork()

	r1, err := New(Options{Memory: true})
	if err != nil {
		t.Fatalf("New(r1): %v", err)
	}
	r2, err := New(Options{Memory: true})
	if err != nil {
		r1.Close()
		t.Fatalf("New(r2): %v", err)
	}
	// The swarm uses the repo identity, so build the repos first and
	// attach swarms bound to those identities.
	t.Cleanup(func() { r1.Close() })
	t.Cleanup(func() { r2.Close() })
	attachSwarm(t, network, r1)
	attachSwarm(t, network, r2)
	return r1, r2
}

func attachSwarm(t *testing.T, network *transport.MemoryNetwork, r *RepoBackend) {
	t.Helper()
	r.AttachSwarm(network.Swarm(r.Identity(), nil))
}

// Scenario 3: producer/consumer sync over an in-memory swarm ends in
// identical materializations (the round-trip property).
func TestPeerSync(t *testing.T) {
	r1, r2 := connectedRepos(t)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)

	r1.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r1)
	r1.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, r1)
	r1.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "x"))})
	await[PatchMsg](t, r1)
	r1.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(1, "y"))})
	await[PatchMsg](t, r1)

	r2.Receive(OpenMsg{ID: docID})
	ready := await[ReadyMsg](t, r2)
	if ready.MinimumClockSatisfied {
		t.Fatal("consumer's fresh open reports a satisfied clock")
	}

	patch := await[PatchMsg](t, r2)
	if got := patchText(t, patch.Patch); got != "xy" {
		t.Fatalf("consumer patch text = %q, want %q", got, "xy")
	}

	if got := materialize(t, r2, docID, 1); got != "xy" {
		t.Fatalf("consumer materialization = %v, want %q", got, "xy")
	}
	if got := materialize(t, r1, docID, 2); got != "xy" {
		t.Fatalf("producer materialization = %v, want %q", got, "xy")
	}
}

// Scenario 4: a late writable actor on the consumer side reaches the
// producer; both converge and each side keeps its own local actor.
func TestLateArrivingActor(t *testing.T) {
	r1, r2 := connectedRepos(t)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)
	rootActor := docID.RootActor()

	r1.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r1)
	r1.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, r1)
	r1.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "a"))})
	await[PatchMsg](t, r1)

	r2.Receive(OpenMsg{ID: docID})
	ready := await[ReadyMsg](t, r2)
	secondActor := ready.ActorID
	if secondActor.IsZero() || secondActor == rootActor {
		t.Fatalf("consumer minted actor = %s, want a fresh writable actor", secondActor)
	}

	// Consumer receives A's change, then writes its own.
	await[PatchMsg](t, r2)
	r2.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(1, "b"))})
	await[PatchMsg](t, r2)

	// Producer receives B's change.
	patch := await[PatchMsg](t, r1)
	if got := patchText(t, patch.Patch); got != "ab" {
		t.Fatalf("producer text after late actor = %q, want %q", got, "ab")
	}

	assertActors := func(r *RepoBackend, wantLocal ref.ActorID) {
		runOnDispatcher(t, r, func() {
			actors := r.meta.Actors(docID)
			if !sameActorSet(actors, []ref.ActorID{rootActor, secondActor}) {
				t.Errorf("actor set = %v, want {%s, %s}", actors, rootActor, secondActor)
			}
			local, ok := r.meta.LocalActorID(docID)
			if !ok || local != wantLocal {
				t.Errorf("local actor = (%s, %v), want %s", local, ok, wantLocal)
			}
		})
	}
	assertActors(r1, rootActor)
	assertActors(r2, secondActor)
}

// Scenario 5: destroy closes the doc's actors but leaves actors of
// surviving documents alone.
func TestDestroyPurgesOrphans(t *testing.T) {
	r := newMemoryRepo(t, nil)

	publicKey1, privateKey1 := newKeypair(t)
	publicKey2, privateKey2 := newKeypair(t)
	doc1 := ref.DocIDFromPublicKey(publicKey1)
	doc2 := ref.DocIDFromPublicKey(publicKey2)

	r.Receive(CreateMsg{PublicKey: publicKey1, SecretKey: privateKey1})
	await[ReadyMsg](t, r)
	r.Receive(CreateMsg{PublicKey: publicKey2, SecretKey: privateKey2})
	await[ReadyMsg](t, r)

	r.Receive(DestroyMsg{ID: doc1})

	runOnDispatcher(t, r, func() {
		if _, ok := r.actors[doc1.RootActor()]; ok {
			t.Error("destroyed document's actor still present")
		}
		if _, ok := r.actors[doc2.RootActor()]; !ok {
			t.Error("surviving document's actor was purged")
		}
		if _, ok := r.docs[doc1]; ok {
			t.Error("destroyed document still in the doc table")
		}
	})
}

// Scenario 6: an explicit merge bounds how much of an actor's feed a
// document applies — exactly the requested sequence, not everything
// available.
func TestMergeExplicit(t *testing.T) {
	producer := newMemoryRepo(t, nil)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)
	rootActor := docID.RootActor()

	producer.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, producer)
	producer.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, producer)
	producer.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "a"))})
	await[PatchMsg](t, producer)
	producer.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(1, "b"))})
	await[PatchMsg](t, producer)

	var records []feed.Record
	runOnDispatcher(t, producer, func() {
		f := producer.feeds.Get(rootActor)
		for seq := uint64(1); seq <= f.Len(); seq++ {
			record, err := f.Record(seq)
			if err != nil {
				t.Errorf("Record(%d): %v", seq, err)
				return
			}
			records = append(records, record)
		}
	})
	if len(records) != 2 {
		t.Fatalf("producer has %d records, want 2", len(records))
	}

	consumer := newMemoryRepo(t, nil)
	consumer.Receive(OpenMsg{ID: docID})
	await[ReadyMsg](t, consumer)

	// Request exactly sequence 1 of the root actor.
	consumer.Receive(MergeMsg{ID: docID, Actors: vclock.Clock{rootActor: 1}})

	// Hand the consumer both records, as replication would.
	runOnDispatcher(t, consumer, func() {
		f := consumer.feeds.Get(rootActor)
		if f == nil {
			t.Error("merge did not create the actor's feed")
			return
		}
		for _, record := range records {
			if _, err := f.InsertRecord(record); err != nil {
				t.Errorf("InsertRecord(%d): %v", record.Seq, err)
			}
		}
		f.SetRemoteLength(2)
	})

	patch := await[PatchMsg](t, consumer)
	if got := patchText(t, patch.Patch); got != "a" {
		t.Fatalf("merged text = %q, want only the requested change %q", got, "a")
	}
	runOnDispatcher(t, consumer, func() {
		doc := consumer.docs[docID]
		if doc.AppliedFrom(rootActor) != 1 {
			t.Errorf("applied counter = %d, want 1", doc.AppliedFrom(rootActor))
		}
	})
}

func TestDownloadProgressEmitted(t *testing.T) {
	r1, r2 := connectedRepos(t)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)

	r1.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r1)
	r1.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, r1)
	r1.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "x"))})
	await[PatchMsg](t, r1)

	r2.Receive(OpenMsg{ID: docID})
	await[ReadyMsg](t, r2)

	download := await[ActorBlockDownloadedMsg](t, r2)
	if download.ID != docID || download.ActorID != docID.RootActor() {
		t.Fatalf("download progress for (%s, %s), want (%s, %s)",
			download.ID, download.ActorID, docID, docID.RootActor())
	}
	if download.Index != 1 || download.Size == 0 {
		t.Fatalf("download progress = (index %d, size %d), want index 1 with nonzero size",
			download.Index, download.Size)
	}
}

func TestDocumentMessagePassthrough(t *testing.T) {
	r1, r2 := connectedRepos(t)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)

	r1.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r1)
	r1.Receive(NeedsActorIDMsg{ID: docID})
	await[ActorIDMsg](t, r1)
	r1.Receive(RequestMsg{ID: docID, Request: editRequest(t, crdt.InsertAt(0, "x"))})
	await[PatchMsg](t, r1)

	r2.Receive(OpenMsg{ID: docID})
	await[ReadyMsg](t, r2)

	// The consumer seeing the producer's change proves the peer pair
	// is fully discovered in both directions.
	await[PatchMsg](t, r2)

	r1.Receive(DocumentMsg{ID: docID, Contents: map[string]any{"kind": "ping"}})

	received := await[DocumentMsg](t, r2)
	if received.ID != docID {
		t.Fatalf("document message for %s, want %s", received.ID, docID)
	}
	contents, ok := received.Contents.(map[string]any)
	if !ok || contents["kind"] != "ping" {
		t.Fatalf("contents = %#v, want the ping payload", received.Contents)
	}
}

func TestOpenRejectsFiles(t *testing.T) {
	r := newMemoryRepo(t, nil)

	id, err := r.WriteFile([]byte("file body"), "text/plain")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r.Receive(OpenMsg{ID: id.Doc()})
	runOnDispatcher(t, r, func() {
		if _, ok := r.docs[id.Doc()]; ok {
			t.Error("open of a file feed created a document backend")
		}
	})
}

func TestFileRoundTrip(t *testing.T) {
	r := newMemoryRepo(t, nil)

	// Two chunks plus a tail.
	body := bytes.Repeat([]byte("0123456789abcdef"), (2<<20)/16)
	body = append(body, []byte("tail")...)

	id, err := r.WriteFile(body, "application/octet-stream")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	type readResult struct {
		data   []byte
		header FileHeader
		err    error
	}
	results := make(chan readResult, 1)
	r.ReadFile(id, func(data []byte, header FileHeader, err error) {
		results <- readResult{data: data, header: header, err: err}
	})

	result := testutil.RequireReceive(t, results, notifyTimeout, "file read")
	if result.err != nil {
		t.Fatalf("ReadFile: %v", result.err)
	}
	if !bytes.Equal(result.data, body) {
		t.Fatalf("file content changed: %d bytes read, %d written", len(result.data), len(body))
	}
	if result.header.Bytes != uint64(len(body)) || result.header.MimeType != "application/octet-stream" {
		t.Fatalf("header = %+v", result.header)
	}
}

func TestRequestForUnknownDocIsIgnored(t *testing.T) {
	r := newMemoryRepo(t, nil)

	publicKey, _ := newKeypair(t)
	r.Receive(RequestMsg{
		ID:      ref.DocIDFromPublicKey(publicKey),
		Request: editRequest(t, crdt.InsertAt(0, "x")),
	})

	// The backend stays alive and functional.
	createKey, createSecret := newKeypair(t)
	r.Receive(CreateMsg{PublicKey: createKey, SecretKey: createSecret})
	await[ReadyMsg](t, r)
}

func TestMetadataQuery(t *testing.T) {
	r := newMemoryRepo(t, nil)

	publicKey, privateKey := newKeypair(t)
	docID := ref.DocIDFromPublicKey(publicKey)
	r.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
	await[ReadyMsg](t, r)

	r.Receive(QueryMsg{ID: 42, Query: MetadataQuery{ID: docID}})
	reply := await[ReplyMsg](t, r)
	if reply.ID != 42 {
		t.Fatalf("reply id = %d, want 42", reply.ID)
	}
	block, ok := reply.Payload.(*MetadataBlock)
	if !ok || block == nil {
		t.Fatalf("payload = %#v, want a metadata block", reply.Payload)
	}
	if block.ID != docID || len(block.Actors) != 1 {
		t.Fatalf("metadata block = %+v", block)
	}
	if !block.Writable[docID.RootActor().String()] {
		t.Fatal("public metadata does not mark the root actor writable")
	}
}

func TestCloseRejectsInFlightWork(t *testing.T) {
	r := newMemoryRepo(t, nil)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, r.Done(), notifyTimeout, "backend shutdown")

	// Receives after close are dropped without blocking or panicking.
	publicKey, privateKey := newKeypair(t)
	r.Receive(CreateMsg{PublicKey: publicKey, SecretKey: privateKey})
}
