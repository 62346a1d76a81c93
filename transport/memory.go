// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"log/slog"
	"net"
	"sync"

	"github.com/quill-foundation/quill/lib/ref"
)

// MemoryNetwork is an in-process rendezvous for MemorySwarms. Swarms
// created from the same network discover each other by topic and
// connect over net.Pipe, running the full peer protocol (auth
// handshake included) without any sockets.
type MemoryNetwork struct {
	mu     sync.Mutex
	swarms []*MemorySwarm

	// connectMu serializes matchmaking so two concurrent Joins cannot
	// build duplicate pipes for the same swarm pair.
	connectMu sync.Mutex
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{}
}

// Swarm creates a swarm attached to this network.
func (n *MemoryNetwork) Swarm(identity Identity, logger *slog.Logger) *MemorySwarm {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &MemorySwarm{
		network:   n,
		identity:  identity,
		logger:    logger,
		topics:    make(map[ref.DiscoveryID]bool),
		connected: make(map[ref.PeerID]*Peer),
		peers:     make(chan *Peer, 16),
	}
	n.mu.Lock()
	n.swarms = append(n.swarms, s)
	n.mu.Unlock()
	return s
}

// matchmake connects every pair of swarms that shares at least one
// topic and is not yet connected. Called after any topic change.
func (n *MemoryNetwork) matchmake() {
	n.connectMu.Lock()
	defer n.connectMu.Unlock()

	n.mu.Lock()
	swarms := append([]*MemorySwarm(nil), n.swarms...)
	n.mu.Unlock()

	for i, a := range swarms {
		for _, b := range swarms[i+1:] {
			if a.sharesTopic(b) && !a.isConnected(b.identity.ID) && !a.isClosed() && !b.isClosed() {
				connectPair(a, b)
			}
		}
	}
}

// connectPair wires two swarms together over net.Pipe. The handshake
// runs concurrently on both ends (net.Pipe writes are synchronous).
func connectPair(a, b *MemorySwarm) {
	connA, connB := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.acceptConn(connA)
	}()
	go func() {
		defer wg.Done()
		b.acceptConn(connB)
	}()
	wg.Wait()
}

// MemorySwarm is the in-process Swarm implementation used by tests
// and by single-machine setups.
type MemorySwarm struct {
	network  *MemoryNetwork
	identity Identity
	logger   *slog.Logger

	mu        sync.Mutex
	topics    map[ref.DiscoveryID]bool
	connected map[ref.PeerID]*Peer
	closed    bool

	peers chan *Peer
}

// Compile-time interface check.
var _ Swarm = (*MemorySwarm)(nil)

// ID returns the swarm's peer id.
func (s *MemorySwarm) ID() ref.PeerID { return s.identity.ID }

// Join implements Swarm. New overlapping swarms connect; existing
// peers receive a topic announcement.
func (s *MemorySwarm) Join(topic ref.DiscoveryID) {
	s.mu.Lock()
	if s.closed || s.topics[topic] {
		s.mu.Unlock()
		return
	}
	s.topics[topic] = true
	peers := s.connectedPeersLocked()
	s.mu.Unlock()

	for _, peer := range peers {
		if err := peer.Announce([]ref.DiscoveryID{topic}); err != nil {
			s.logger.Info("topic announce failed", "peer", peer.ID().String(), "error", err)
		}
	}
	s.network.matchmake()
}

// Leave implements Swarm.
func (s *MemorySwarm) Leave(topic ref.DiscoveryID) {
	s.mu.Lock()
	if !s.topics[topic] {
		s.mu.Unlock()
		return
	}
	delete(s.topics, topic)
	peers := s.connectedPeersLocked()
	s.mu.Unlock()

	for _, peer := range peers {
		if err := peer.Retract([]ref.DiscoveryID{topic}); err != nil {
			s.logger.Info("topic retract failed", "peer", peer.ID().String(), "error", err)
		}
	}
}

// Peers implements Swarm.
func (s *MemorySwarm) Peers() <-chan *Peer { return s.peers }

// Close implements Swarm.
func (s *MemorySwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.connectedPeersLocked()
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
	return nil
}

func (s *MemorySwarm) sharesTopic(other *MemorySwarm) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	for topic := range s.topics {
		if other.topics[topic] {
			return true
		}
	}
	return false
}

func (s *MemorySwarm) isConnected(peer ref.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connected[peer]
	return ok
}

func (s *MemorySwarm) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySwarm) connectedPeersLocked() []*Peer {
	peers := make([]*Peer, 0, len(s.connected))
	for _, peer := range s.connected {
		peers = append(peers, peer)
	}
	return peers
}

// acceptConn runs the peer protocol on a fresh pipe end and delivers
// the peer if the handshake succeeds.
func (s *MemorySwarm) acceptConn(conn net.Conn) {
	s.mu.Lock()
	topics := make([]ref.DiscoveryID, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	peer, err := newPeer(conn, s.identity, topics, s.logger)
	if err != nil {
		s.logger.Info("handshake failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed || s.connected[peer.ID()] != nil {
		s.mu.Unlock()
		peer.Close()
		return
	}
	s.connected[peer.ID()] = peer
	s.mu.Unlock()

	// Drop the table entry when the connection dies, then rerun
	// matchmaking so still-overlapping swarms pair up again. The
	// goroutine avoids re-entering the network locks from finish.
	peer.OnClose(func(error) {
		s.mu.Lock()
		if s.connected[peer.ID()] == peer {
			delete(s.connected, peer.ID())
		}
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			go s.network.matchmake()
		}
	})

	s.peers <- peer
}
