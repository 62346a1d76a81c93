// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/quill-foundation/quill/lib/ref"
)

// SignalMessage is one SDP published through a Signaler.
type SignalMessage struct {
	// From is the publishing peer.
	From ref.PeerID

	// SDP is the vanilla-ICE session description (all candidates
	// gathered before publication, so one round-trip establishes the
	// connection).
	SDP string
}

// Signaler exchanges WebRTC session descriptions for a topic. The
// swarm publishes one open offer per joined topic and answers offers
// from eligible peers; the signaler only moves the SDPs. Signaling is
// untrusted — the peer auth handshake runs on every data channel
// regardless of who delivered the SDP.
type Signaler interface {
	// PublishOffer publishes self's current open offer for topic,
	// replacing any previous one.
	PublishOffer(ctx context.Context, topic ref.DiscoveryID, self ref.PeerID, sdp string) error

	// PollOffers returns offers on topic from other peers that this
	// consumer has not seen yet.
	PollOffers(ctx context.Context, topic ref.DiscoveryID, self ref.PeerID) ([]SignalMessage, error)

	// PublishAnswer publishes self's answer to offerer's offer on
	// topic.
	PublishAnswer(ctx context.Context, topic ref.DiscoveryID, offerer, self ref.PeerID, sdp string) error

	// PollAnswers returns unseen answers addressed to self on topic.
	PollAnswers(ctx context.Context, topic ref.DiscoveryID, self ref.PeerID) ([]SignalMessage, error)
}

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests and
// single-machine setups. Entries are sequenced; each consumer tracks
// a cursor so polls return every entry exactly once.
type MemorySignaler struct {
	mu      sync.Mutex
	seq     uint64
	offers  []signalEntry
	answers []signalEntry
	cursors map[string]uint64
}

type signalEntry struct {
	seq   uint64
	topic ref.DiscoveryID
	from  ref.PeerID
	to    ref.PeerID // zero for offers
	sdp   string
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{cursors: make(map[string]uint64)}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, topic ref.DiscoveryID, self ref.PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	kept := s.offers[:0]
	for _, entry := range s.offers {
		if entry.topic != topic || entry.from != self {
			kept = append(kept, entry)
		}
	}
	s.offers = append(kept, signalEntry{seq: s.seq, topic: topic, from: self, sdp: sdp})
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, topic ref.DiscoveryID, self ref.PeerID) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := "offers|" + topic.String() + "|" + self.String()
	var messages []SignalMessage
	for _, entry := range s.offers {
		if entry.seq <= s.cursors[cursor] || entry.topic != topic || entry.from == self {
			continue
		}
		messages = append(messages, SignalMessage{From: entry.from, SDP: entry.sdp})
		s.cursors[cursor] = entry.seq
	}
	return messages, nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, topic ref.DiscoveryID, offerer, self ref.PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.answers = append(s.answers, signalEntry{seq: s.seq, topic: topic, from: self, to: offerer, sdp: sdp})
	return nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, topic ref.DiscoveryID, self ref.PeerID) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := "answers|" + topic.String() + "|" + self.String()
	var messages []SignalMessage
	for _, entry := range s.answers {
		if entry.seq <= s.cursors[cursor] || entry.topic != topic || entry.to != self {
			continue
		}
		messages = append(messages, SignalMessage{From: entry.from, SDP: entry.sdp})
		s.cursors[cursor] = entry.seq
	}
	return messages, nil
}
