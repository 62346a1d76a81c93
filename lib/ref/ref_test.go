// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/ed25519"
	"testing"
)

func generateActorID(t *testing.T) ActorID {
	t.Helper()
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return ActorIDFromPublicKey(publicKey)
}

func TestActorIDRoundTrip(t *testing.T) {
	id := generateActorID(t)

	parsed, err := ParseActorID(id.String())
	if err != nil {
		t.Fatalf("ParseActorID(%q): %v", id.String(), err)
	}
	if parsed != id {
		t.Fatalf("round trip changed identity: %s != %s", parsed, id)
	}
}

func TestParseActorIDRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base58", "0OIl+/"},
		{"wrong length", "3mJr7A"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseActorID(tc.input); err == nil {
				t.Fatalf("ParseActorID(%q) succeeded, want error", tc.input)
			}
		})
	}
}

func TestDocIDRootActorIdentity(t *testing.T) {
	actor := generateActorID(t)
	doc := actor.Doc()

	if doc.RootActor() != actor {
		t.Fatalf("RootActor() = %s, want %s", doc.RootActor(), actor)
	}
	if doc.String() != actor.String() {
		t.Fatalf("doc id %s and root actor id %s differ in string form", doc, actor)
	}
}

func TestDiscoveryIDDistinctFromActorID(t *testing.T) {
	actor := generateActorID(t)
	discovery := actor.Discovery()

	if discovery.String() == actor.String() {
		t.Fatal("discovery id equals actor id; the public key leaked onto the discovery layer")
	}

	// Deterministic: the same actor always maps to the same topic.
	if again := actor.Discovery(); again != discovery {
		t.Fatalf("discovery id not deterministic: %s != %s", again, discovery)
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	actor := generateActorID(t)

	text, err := actor.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded ActorID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText(%q): %v", text, err)
	}
	if decoded != actor {
		t.Fatalf("text round trip changed identity: %s != %s", decoded, actor)
	}
}

func TestIsZero(t *testing.T) {
	var zero ActorID
	if !zero.IsZero() {
		t.Fatal("zero value ActorID reports IsZero() == false")
	}
	if generateActorID(t).IsZero() {
		t.Fatal("generated ActorID reports IsZero() == true")
	}
}
