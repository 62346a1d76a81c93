// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vclock

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/quill-foundation/quill/lib/ref"
)

func newActor(t *testing.T) ref.ActorID {
	t.Helper()
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return ref.ActorIDFromPublicKey(publicKey)
}

func TestSetNeverMovesBackward(t *testing.T) {
	actor := newActor(t)
	clock := New()

	clock.Set(actor, 5)
	clock.Set(actor, 3)
	if got := clock.Get(actor); got != 5 {
		t.Fatalf("Get = %d after Set(5) then Set(3), want 5", got)
	}

	clock.Set(actor, 0)
	if got := clock.Get(actor); got != 5 {
		t.Fatalf("Set(0) moved the entry: got %d, want 5", got)
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a, b := newActor(t), newActor(t)

	left := Clock{a: 3, b: 1}
	right := Clock{a: 1, b: 4}

	changed := left.Merge(right)
	if !changed {
		t.Fatal("Merge reported no change")
	}
	if left.Get(a) != 3 || left.Get(b) != 4 {
		t.Fatalf("merged clock = %v, want {%s:3 %s:4}", left, a, b)
	}

	// Merging a dominated clock is a no-op.
	if left.Merge(right) {
		t.Fatal("second Merge of the same clock reported a change")
	}
}

func TestMergeCommutes(t *testing.T) {
	a, b, c := newActor(t), newActor(t), newActor(t)

	left := Clock{a: 3, c: 7}
	right := Clock{a: 1, b: 4}

	leftFirst := Merged(left, right)
	rightFirst := Merged(right, left)
	if !leftFirst.Equal(rightFirst) {
		t.Fatalf("merge order changed the result: %v != %v", leftFirst, rightFirst)
	}
}

func TestLessEq(t *testing.T) {
	a, b := newActor(t), newActor(t)

	small := Clock{a: 1}
	big := Clock{a: 2, b: 1}
	concurrent := Clock{b: 5}

	if !small.LessEq(big) {
		t.Fatal("small ≤ big should hold")
	}
	if big.LessEq(small) {
		t.Fatal("big ≤ small should not hold")
	}
	if small.LessEq(concurrent) || concurrent.LessEq(small) {
		t.Fatal("concurrent clocks must not be ordered")
	}
	if !Clock(nil).LessEq(small) {
		t.Fatal("empty clock is ≤ everything")
	}
}

func TestEqualIgnoresZeroEntries(t *testing.T) {
	a, b := newActor(t), newActor(t)

	withZero := Clock{a: 2, b: 0}
	without := Clock{a: 2}
	if !withZero.Equal(without) {
		t.Fatal("a zero entry changed equality")
	}
}

func TestCBORRoundTripIsDeterministic(t *testing.T) {
	a, b := newActor(t), newActor(t)
	clock := Clock{a: 9, b: 2}

	first, err := clock.MarshalCBOR()
	if err != nil {
		t.Fatalf("MarshalCBOR: %v", err)
	}
	second, err := clock.Clone().MarshalCBOR()
	if err != nil {
		t.Fatalf("MarshalCBOR(clone): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("equal clocks encoded differently:\n%x\n%x", first, second)
	}

	var decoded Clock
	if err := decoded.UnmarshalCBOR(first); err != nil {
		t.Fatalf("UnmarshalCBOR: %v", err)
	}
	if !decoded.Equal(clock) {
		t.Fatalf("round trip changed the clock: %v != %v", decoded, clock)
	}
}

func TestCanonicalDropsZeroEntries(t *testing.T) {
	a, b := newActor(t), newActor(t)
	clock := Clock{a: 1, b: 0}

	canonical := clock.Canonical()
	if len(canonical) != 1 {
		t.Fatalf("canonical clock has %d entries, want 1", len(canonical))
	}
	if _, present := canonical[b]; present {
		t.Fatal("zero entry survived canonicalization")
	}
}
