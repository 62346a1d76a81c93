// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/secret"
)

func newKeypair(t *testing.T) (ref.ActorID, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return ref.ActorIDFromPublicKey(publicKey), privateKey
}

// keyBuffer moves a copy of privateKey into protected memory, leaving
// the caller's slice intact for signing assertions.
func keyBuffer(t *testing.T, privateKey ed25519.PrivateKey) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes(bytes.Clone(privateKey))
	if err != nil {
		t.Fatalf("protecting key: %v", err)
	}
	return buffer
}

func memoryStore() *Store {
	return NewStore(Config{Memory: true})
}

func TestAppendAndReadBack(t *testing.T) {
	actor, secret := newKeypair(t)
	store := memoryStore()

	f, err := store.Open(actor, keyBuffer(t, secret))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i, block := range []string{"one", "two", "three"} {
		seq, err := f.Append([]byte(block))
		if err != nil {
			t.Fatalf("Append(%q): %v", block, err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("Append returned seq %d, want %d", seq, i+1)
		}
	}

	if f.Len() != 3 {
		t.Fatalf("Len = %d, want 3", f.Len())
	}
	block, err := f.Block(2)
	if err != nil {
		t.Fatalf("Block(2): %v", err)
	}
	if string(block) != "two" {
		t.Fatalf("Block(2) = %q, want %q", block, "two")
	}
}

func TestAppendRequiresSecret(t *testing.T) {
	actor, _ := newKeypair(t)
	store := memoryStore()

	f, err := store.Open(actor, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Writable() {
		t.Fatal("feed without secret reports Writable() == true")
	}
	if _, err := f.Append([]byte("x")); err == nil {
		t.Fatal("Append on a read-only feed succeeded")
	}
}

func TestSubscribeReplaysInOrder(t *testing.T) {
	actor, secret := newKeypair(t)
	store := memoryStore()
	f, _ := store.Open(actor, keyBuffer(t, secret))

	f.Append([]byte("a"))
	f.Append([]byte("b"))

	var got []string
	f.Subscribe(func(seq uint64, block []byte) {
		got = append(got, string(block))
	})
	f.Append([]byte("c"))

	want := []string{"a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("subscriber saw %v, want %v", got, want)
	}
}

func TestReplicatedRecordsVerifyAndFillHoles(t *testing.T) {
	actor, secret := newKeypair(t)

	// Producer side: a writable feed with three blocks.
	producer, _ := memoryStore().Open(actor, keyBuffer(t, secret))
	for _, block := range []string{"a", "b", "c"} {
		producer.Append([]byte(block))
	}

	// Consumer side: read-only feed receiving records out of order.
	consumer, _ := memoryStore().Open(actor, nil)

	var order []uint64
	consumer.Subscribe(func(seq uint64, block []byte) {
		order = append(order, seq)
	})
	var downloads []uint64
	consumer.OnDownload(func(seq uint64, size int) {
		downloads = append(downloads, seq)
	})

	for _, seq := range []uint64{3, 1, 2} {
		record, err := producer.Record(seq)
		if err != nil {
			t.Fatalf("Record(%d): %v", seq, err)
		}
		added, err := consumer.InsertRecord(record)
		if err != nil {
			t.Fatalf("InsertRecord(%d): %v", seq, err)
		}
		if !added {
			t.Fatalf("InsertRecord(%d) reported duplicate", seq)
		}
	}

	// Downloads fire in arrival order, delivery in sequence order.
	if len(downloads) != 3 || downloads[0] != 3 {
		t.Fatalf("download order = %v, want arrival order starting with 3", downloads)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("delivery order = %v, want [1 2 3]", order)
	}

	// Re-inserting is a no-op.
	record, _ := producer.Record(1)
	if added, err := consumer.InsertRecord(record); err != nil || added {
		t.Fatalf("duplicate InsertRecord = (%v, %v), want (false, nil)", added, err)
	}
}

func TestInsertRejectsForgedRecord(t *testing.T) {
	actor, secret := newKeypair(t)
	_, otherSecret := newKeypair(t)

	producer, _ := memoryStore().Open(actor, keyBuffer(t, secret))
	producer.Append([]byte("legitimate"))
	record, _ := producer.Record(1)

	// Forge: re-sign the payload with a different key.
	forged := record
	forged.Signature = ed25519.Sign(otherSecret, signedMessage(1, []byte("legitimate")))

	consumer, _ := memoryStore().Open(actor, nil)
	if _, err := consumer.InsertRecord(forged); err == nil {
		t.Fatal("forged record accepted")
	}
	if consumer.Len() != 0 {
		t.Fatal("forged record changed the feed")
	}
}

func TestSignatureBindsSequence(t *testing.T) {
	actor, secret := newKeypair(t)
	producer, _ := memoryStore().Open(actor, keyBuffer(t, secret))
	producer.Append([]byte("x"))

	record, _ := producer.Record(1)
	record.Seq = 2 // replay at a different position

	consumer, _ := memoryStore().Open(actor, nil)
	if _, err := consumer.InsertRecord(record); err == nil {
		t.Fatal("record replayed at a different sequence was accepted")
	}
}

func TestSyncFiresWhenCaughtUp(t *testing.T) {
	actor, secret := newKeypair(t)
	producer, _ := memoryStore().Open(actor, keyBuffer(t, secret))
	producer.Append([]byte("a"))
	producer.Append([]byte("b"))

	consumer, _ := memoryStore().Open(actor, nil)
	syncCount := 0
	consumer.OnSync(func() { syncCount++ })

	consumer.SetRemoteLength(2)
	if syncCount != 0 {
		t.Fatal("sync fired before catching up")
	}

	for seq := uint64(1); seq <= 2; seq++ {
		record, _ := producer.Record(seq)
		if _, err := consumer.InsertRecord(record); err != nil {
			t.Fatalf("InsertRecord(%d): %v", seq, err)
		}
	}
	if syncCount != 1 {
		t.Fatalf("sync fired %d times after catching up, want 1", syncCount)
	}
	if !consumer.Synced() {
		t.Fatal("Synced() == false after catching up")
	}

	// A late OnSync subscriber on an already-synced feed fires
	// immediately.
	lateFired := false
	consumer.OnSync(func() { lateFired = true })
	if !lateFired {
		t.Fatal("late OnSync subscriber did not fire on a synced feed")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	actor, secret := newKeypair(t)
	dir := t.TempDir()

	store := NewStore(Config{Path: dir})
	f, err := store.Open(actor, keyBuffer(t, secret))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	large := bytes.Repeat([]byte("the quick brown fox "), 200)
	f.Append([]byte("small"))
	f.Append(large)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := NewStore(Config{Path: dir})
	defer reopened.Close()
	f, err = reopened.Open(actor, keyBuffer(t, secret))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("reopened Len = %d, want 2", f.Len())
	}
	block, err := f.Block(2)
	if err != nil {
		t.Fatalf("Block(2): %v", err)
	}
	if !bytes.Equal(block, large) {
		t.Fatal("large block changed across restart")
	}

	// The repetitive block must have been stored compressed.
	record, err := f.Record(2)
	if err != nil {
		t.Fatalf("Record(2): %v", err)
	}
	if record.Compression == CompressionNone {
		t.Fatal("highly repetitive block stored uncompressed")
	}
	if len(record.Payload) >= len(large) {
		t.Fatalf("compressed payload (%d bytes) not smaller than block (%d bytes)", len(record.Payload), len(large))
	}
}

func TestHighEntropyBlocksRoundTrip(t *testing.T) {
	actor, secret := newKeypair(t)
	f, _ := memoryStore().Open(actor, keyBuffer(t, secret))

	random := make([]byte, 4096)
	for i := 0; i < len(random); i += 64 {
		_, privateKey, _ := ed25519.GenerateKey(nil)
		copy(random[i:], privateKey)
	}

	f.Append(random)
	record, _ := f.Record(1)
	got, err := f.Block(1)
	if err != nil {
		t.Fatalf("Block(1): %v", err)
	}
	if !bytes.Equal(got, random) {
		t.Fatalf("round trip changed the block (tag %s)", record.Compression)
	}
}
