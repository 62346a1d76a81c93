// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"crypto/ed25519"
	"log/slog"
	"reflect"
	"testing"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

func testActorID(t *testing.T) ref.ActorID {
	t.Helper()
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return ref.ActorIDFromPublicKey(publicKey)
}

func testMetadata(joined *[]ref.ActorID) *Metadata {
	join := func(actor ref.ActorID) {
		if joined != nil {
			*joined = append(*joined, actor)
		}
	}
	return newMetadata(slog.New(slog.DiscardHandler), join, nil, nil)
}

func TestAddActorIsIdempotentAndJoinsOnce(t *testing.T) {
	var joined []ref.ActorID
	m := testMetadata(&joined)

	actor := testActorID(t)
	doc := actor.Doc()

	m.AddActor(doc, actor)
	m.AddActor(doc, actor)

	if got := m.Actors(doc); len(got) != 1 || got[0] != actor {
		t.Fatalf("Actors = %v, want [%s]", got, actor)
	}
	if len(joined) != 1 {
		t.Fatalf("join fired %d times, want 1", len(joined))
	}

	// The same actor joining a second doc does not re-join the swarm.
	other := testActorID(t).Doc()
	m.AddActor(other, actor)
	if len(joined) != 1 {
		t.Fatalf("join fired %d times after second doc, want 1", len(joined))
	}
}

func TestAddBlocksIsIdempotent(t *testing.T) {
	m := testMetadata(nil)

	root, helper := testActorID(t), testActorID(t)
	doc := root.Doc()
	block := MetadataBlock{
		ID:     doc,
		Actors: []ref.ActorID{root, helper},
		Merge:  vclock.Clock{root: 3, helper: 1},
	}

	m.AddBlocks([]MetadataBlock{block})
	first, _ := m.Block(doc)

	m.AddBlocks([]MetadataBlock{block})
	second, _ := m.Block(doc)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated AddBlocks changed the state:\n%+v\n%+v", first, second)
	}
}

func TestAddBlocksCommutes(t *testing.T) {
	root, helper, third := testActorID(t), testActorID(t), testActorID(t)
	doc := root.Doc()

	blockA := MetadataBlock{
		ID:     doc,
		Actors: []ref.ActorID{root, helper},
		Merge:  vclock.Clock{root: 2},
	}
	blockB := MetadataBlock{
		ID:     doc,
		Actors: []ref.ActorID{root, third},
		Merge:  vclock.Clock{root: 1, third: 4},
	}

	forward := testMetadata(nil)
	forward.AddBlocks([]MetadataBlock{blockA})
	forward.AddBlocks([]MetadataBlock{blockB})

	backward := testMetadata(nil)
	backward.AddBlocks([]MetadataBlock{blockB})
	backward.AddBlocks([]MetadataBlock{blockA})

	forwardBlock, _ := forward.Block(doc)
	backwardBlock, _ := backward.Block(doc)

	// Actor order differs by arrival, but the sets and clocks agree.
	if !sameActorSet(forwardBlock.Actors, backwardBlock.Actors) {
		t.Fatalf("actor sets differ: %v vs %v", forwardBlock.Actors, backwardBlock.Actors)
	}
	if !forwardBlock.Merge.Equal(backwardBlock.Merge) {
		t.Fatalf("merge clocks differ: %v vs %v", forwardBlock.Merge, backwardBlock.Merge)
	}
}

func sameActorSet(a, b []ref.ActorID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[ref.ActorID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

func TestLocalActorIDUniqueness(t *testing.T) {
	m := testMetadata(nil)

	root, helper := testActorID(t), testActorID(t)
	doc := root.Doc()
	m.AddActor(doc, root)
	m.AddActor(doc, helper)

	if _, ok := m.LocalActorID(doc); ok {
		t.Fatal("LocalActorID found a writable actor before any SetWritable")
	}

	m.SetWritable(helper, true)
	local, ok := m.LocalActorID(doc)
	if !ok || local != helper {
		t.Fatalf("LocalActorID = (%s, %v), want (%s, true)", local, ok, helper)
	}

	// Two writable actors in one document is a contract violation.
	m.SetWritable(root, true)
	defer func() {
		if recover() == nil {
			t.Fatal("LocalActorID with two writable actors did not panic")
		}
	}()
	m.LocalActorID(doc)
}

func TestSanitizeStripsWritableBits(t *testing.T) {
	root := testActorID(t)
	doc := root.Doc()

	blocks := []MetadataBlock{
		{
			ID:       doc,
			Actors:   []ref.ActorID{root},
			Writable: map[string]bool{root.String(): true},
		},
		{}, // malformed: no doc id
	}

	sanitized := sanitizeRemoteMetadata(blocks)
	if len(sanitized) != 1 {
		t.Fatalf("sanitize kept %d blocks, want 1", len(sanitized))
	}
	if sanitized[0].Writable != nil {
		t.Fatal("sanitize kept a peer's writable claims")
	}
}

func TestMergeExtendsActorSetAndClock(t *testing.T) {
	m := testMetadata(nil)

	root, late := testActorID(t), testActorID(t)
	doc := root.Doc()
	m.AddActor(doc, root)

	m.Merge(doc, vclock.Clock{late: 1})

	if got := m.Actors(doc); len(got) != 2 {
		t.Fatalf("Actors after Merge = %v, want root and late", got)
	}
	if m.ClockAt(doc, late) != 1 {
		t.Fatalf("ClockAt(late) = %d, want 1", m.ClockAt(doc, late))
	}
	if m.ClockAt(doc, root) != 0 {
		t.Fatalf("ClockAt(root) = %d, want 0", m.ClockAt(doc, root))
	}
}

func TestDeleteFiresLeaveForOrphans(t *testing.T) {
	var left []ref.ActorID
	m := newMetadata(slog.New(slog.DiscardHandler), nil, func(actor ref.ActorID) {
		left = append(left, actor)
	}, nil)

	shared, solo := testActorID(t), testActorID(t)
	doc1, doc2 := testActorID(t).Doc(), testActorID(t).Doc()
	m.AddActor(doc1, shared)
	m.AddActor(doc1, solo)
	m.AddActor(doc2, shared)

	m.Delete(doc1)

	if len(left) != 1 || left[0] != solo {
		t.Fatalf("leave fired for %v, want only %s (shared survives in doc2)", left, solo)
	}
	if got := m.Actors(doc2); len(got) != 1 || got[0] != shared {
		t.Fatalf("doc2 actors after delete = %v, want [%s]", got, shared)
	}
}
