// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadb_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quill-foundation/quill/lib/metadb"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

func openMemoryDB(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(metadb.Config{Memory: true})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func newIdentifiers(t *testing.T) (ref.PeerID, ref.DocID, ref.ActorID) {
	t.Helper()
	makeKey := func() ed25519.PublicKey {
		publicKey, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generating keypair: %v", err)
		}
		return publicKey
	}
	return ref.PeerIDFromPublicKey(makeKey()),
		ref.DocIDFromPublicKey(makeKey()),
		ref.ActorIDFromPublicKey(makeKey())
}

func TestClockUpdateIsMonotone(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	peer, doc, actor := newIdentifiers(t)

	merged, changed, err := db.Clocks.Update(ctx, peer, doc, vclock.Clock{actor: 3})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !changed || merged.Get(actor) != 3 {
		t.Fatalf("first Update: changed=%v clock=%v, want changed with seq 3", changed, merged)
	}

	// A dominated clock is a no-op.
	merged, changed, err = db.Clocks.Update(ctx, peer, doc, vclock.Clock{actor: 2})
	if err != nil {
		t.Fatalf("Update(dominated): %v", err)
	}
	if changed {
		t.Fatal("dominated Update reported a change")
	}
	if merged.Get(actor) != 3 {
		t.Fatalf("dominated Update rewound the clock to %d", merged.Get(actor))
	}

	// A later clock advances it.
	merged, changed, err = db.Clocks.Update(ctx, peer, doc, vclock.Clock{actor: 5})
	if err != nil {
		t.Fatalf("Update(advance): %v", err)
	}
	if !changed || merged.Get(actor) != 5 {
		t.Fatalf("advance: changed=%v seq=%d, want changed with seq 5", changed, merged.Get(actor))
	}
}

func TestClockGetAndHas(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	peer, doc, actor := newIdentifiers(t)

	if has, err := db.Clocks.Has(ctx, peer, doc); err != nil || has {
		t.Fatalf("Has before any Update = (%v, %v), want (false, nil)", has, err)
	}
	if clock, err := db.Clocks.Get(ctx, peer, doc); err != nil || clock != nil {
		t.Fatalf("Get before any Update = (%v, %v), want (nil, nil)", clock, err)
	}

	if _, _, err := db.Clocks.Update(ctx, peer, doc, vclock.Clock{actor: 1}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if has, err := db.Clocks.Has(ctx, peer, doc); err != nil || !has {
		t.Fatalf("Has after Update = (%v, %v), want (true, nil)", has, err)
	}
	clock, err := db.Clocks.Get(ctx, peer, doc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if clock.Get(actor) != 1 {
		t.Fatalf("Get returned %v, want seq 1 for %s", clock, actor)
	}
}

func TestMaximumSatisfiedClock(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()
	self, doc, actor := newIdentifiers(t)

	// No rows: nothing is satisfied.
	got, err := db.Clocks.MaximumSatisfiedClock(ctx, self, doc, vclock.Clock{actor: 10})
	if err != nil {
		t.Fatalf("MaximumSatisfiedClock: %v", err)
	}
	if got != nil {
		t.Fatalf("satisfied clock with empty store = %v, want nil", got)
	}

	if _, _, err := db.Clocks.Update(ctx, self, doc, vclock.Clock{actor: 4}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Self row dominated by target: returned.
	got, err = db.Clocks.MaximumSatisfiedClock(ctx, self, doc, vclock.Clock{actor: 10})
	if err != nil {
		t.Fatalf("MaximumSatisfiedClock: %v", err)
	}
	if got == nil || got.Get(actor) != 4 {
		t.Fatalf("satisfied clock = %v, want seq 4", got)
	}

	// Self row ahead of target: not satisfied.
	got, err = db.Clocks.MaximumSatisfiedClock(ctx, self, doc, vclock.Clock{actor: 2})
	if err != nil {
		t.Fatalf("MaximumSatisfiedClock: %v", err)
	}
	if got != nil {
		t.Fatalf("clock ahead of target reported satisfied: %v", got)
	}
}

func TestKeyStoreRoundTrip(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()

	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	original := bytes.Clone(privateKey)

	// NewKeypair consumes (and zeros) its source slice.
	keypair, err := metadb.NewKeypair(publicKey, privateKey)
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	defer keypair.Close()
	for _, b := range privateKey {
		if b != 0 {
			t.Fatal("NewKeypair left the source private key unzeroed")
		}
	}

	if err := db.Keys.Set(ctx, metadb.SelfRepoKey, keypair); err != nil {
		t.Fatalf("Set: %v", err)
	}

	stored, err := db.Keys.Get(ctx, metadb.SelfRepoKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored == nil {
		t.Fatal("Get returned nil for a stored key")
	}
	defer stored.Close()
	if !publicKey.Equal(stored.Public) {
		t.Fatal("public key changed in round trip")
	}
	if !ed25519.PrivateKey(original).Equal(stored.PrivateKey()) {
		t.Fatal("secret key changed in round trip")
	}
	if !stored.Writable() {
		t.Fatal("stored keypair with secret reports Writable() == false")
	}
}

func TestKeyStoreReadOnlyKey(t *testing.T) {
	db := openMemoryDB(t)
	ctx := context.Background()

	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	if err := db.Keys.Set(ctx, "actor.remote", &metadb.Keypair{Public: publicKey}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	stored, err := db.Keys.Get(ctx, "actor.remote")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Writable() {
		t.Fatal("read-only keypair reports Writable() == true")
	}
	if stored.PrivateKey() != nil {
		t.Fatal("read-only keypair returned a private key")
	}
}

func TestKeyStoreMissingKey(t *testing.T) {
	db := openMemoryDB(t)

	stored, err := db.Keys.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get(absent): %v", err)
	}
	if stored != nil {
		t.Fatalf("Get(absent) = %v, want nil", stored)
	}
}

func TestSecretsAreSealedOnDisk(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(metadb.Config{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	seed := bytes.Clone(privateKey.Seed())
	original := bytes.Clone(privateKey)

	keypair, err := metadb.NewKeypair(publicKey, privateKey)
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	if err := db.Keys.Set(context.Background(), metadb.SelfRepoKey, keypair); err != nil {
		t.Fatalf("Set: %v", err)
	}
	keypair.Close()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The raw database file must not contain the ed25519 seed.
	raw, err := os.ReadFile(filepath.Join(dir, metadb.DatabaseFile))
	if err != nil {
		t.Fatalf("reading database file: %v", err)
	}
	if bytes.Contains(raw, seed) {
		t.Fatal("plaintext secret seed found in database file")
	}

	// Reopening with the persisted store identity recovers the secret.
	db, err = metadb.Open(metadb.Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	stored, err := db.Keys.Get(context.Background(), metadb.SelfRepoKey)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if stored == nil {
		t.Fatal("key missing after reopen")
	}
	defer stored.Close()
	if !ed25519.PrivateKey(original).Equal(stored.PrivateKey()) {
		t.Fatal("secret did not survive reopen with the persisted store identity")
	}
}

func TestStoreIdentityFilePermissions(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(metadb.Config{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	info, err := os.Stat(filepath.Join(dir, "store.key"))
	if err != nil {
		t.Fatalf("stat store.key: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("store.key mode = %o, want 600", mode)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "store.key"))
	if err != nil {
		t.Fatalf("read store.key: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "AGE-SECRET-KEY-1") {
		t.Fatal("store.key does not contain an age identity")
	}
}
