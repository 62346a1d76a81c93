// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quill-foundation/quill/lib/ref"
)

// dialRetryInterval is how long a TCPSwarm waits before re-dialing a
// static peer that refused or dropped the connection attempt.
const dialRetryInterval = 5 * time.Second

// TCPConfig holds the parameters for a TCP swarm.
type TCPConfig struct {
	// Identity is the repo identity presented to peers.
	Identity Identity

	// Listen is the accept address (":0" for an ephemeral port).
	// Empty disables listening — a dial-only swarm.
	Listen string

	// Peers are static peer addresses to dial. TCP has no rendezvous
	// of its own; the address book stands in for topic discovery,
	// and topic filtering happens in the peer protocol.
	Peers []string

	// Logger receives connection lifecycle messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// TCPSwarm is the static-peering Swarm for deployments with direct
// reachability. Streams are encrypted (see secureConn); peers
// authenticate exactly as on every other transport.
type TCPSwarm struct {
	cfg      TCPConfig
	logger   *slog.Logger
	listener net.Listener

	mu        sync.Mutex
	topics    map[ref.DiscoveryID]bool
	connected map[ref.PeerID]*Peer
	closed    bool

	peers chan *Peer
	done  chan struct{}
}

// Compile-time interface check.
var _ Swarm = (*TCPSwarm)(nil)

// NewTCPSwarm starts a TCP swarm: listening (if configured) and
// dialing every static peer, redialing whenever a connection drops.
func NewTCPSwarm(cfg TCPConfig) (*TCPSwarm, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &TCPSwarm{
		cfg:       cfg,
		logger:    logger,
		topics:    make(map[ref.DiscoveryID]bool),
		connected: make(map[ref.PeerID]*Peer),
		peers:     make(chan *Peer, 16),
		done:      make(chan struct{}),
	}

	if cfg.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("transport: listening on %s: %w", cfg.Listen, err)
		}
		s.listener = listener
		go s.acceptLoop()
	}

	for _, address := range cfg.Peers {
		go s.dialLoop(address)
	}

	return s, nil
}

// Address returns the listen address, or "" for a dial-only swarm.
func (s *TCPSwarm) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Join implements Swarm. TCP peers are fixed by the address book, so
// joining only announces the topic to connected peers.
func (s *TCPSwarm) Join(topic ref.DiscoveryID) {
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
}

// Leave implements Swarm.
func (s *TCPSwarm) Leave(topic ref.DiscoveryID) {
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
func (s *TCPSwarm) Peers() <-chan *Peer { return s.peers }

// Close implements Swarm.
func (s *TCPSwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.connectedPeersLocked()
	s.mu.Unlock()

	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, peer := range peers {
		peer.Close()
	}
	return nil
}

func (s *TCPSwarm) connectedPeersLocked() []*Peer {
	peers := make([]*Peer, 0, len(s.connected))
	for _, peer := range s.connected {
		peers = append(peers, peer)
	}
	return peers
}

func (s *TCPSwarm) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Info("accept failed", "error", err)
			}
			return
		}
		go s.runConn(conn, false)
	}
}

// dialLoop keeps one static peer address connected: dial with retry,
// then wait out the connection and redial when it drops.
func (s *TCPSwarm) dialLoop(address string) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", address, dialRetryInterval)
		if err != nil {
			s.logger.Debug("dial failed, retrying", "address", address, "error", err)
			select {
			case <-s.done:
				return
			case <-time.After(dialRetryInterval):
			}
			continue
		}

		peer := s.runConn(conn, true)
		if peer != nil {
			closed := make(chan struct{})
			peer.OnClose(func(error) { close(closed) })
			select {
			case <-s.done:
				return
			case <-closed:
			}
		}

		select {
		case <-s.done:
			return
		case <-time.After(dialRetryInterval):
		}
	}
}

// runConn upgrades a raw TCP connection: encryption first, then the
// shared peer protocol. Returns the connection's peer — the existing
// one when this dial duplicated a live connection — or nil on
// failure, so dialLoop can wait for its close before redialing.
func (s *TCPSwarm) runConn(conn net.Conn, initiator bool) *Peer {
	secured, err := newSecureConn(conn, initiator)
	if err != nil {
		s.logger.Info("key exchange failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return nil
	}

	s.mu.Lock()
	topics := make([]ref.DiscoveryID, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	peer, err := newPeer(secured, s.cfg.Identity, topics, s.logger)
	if err != nil {
		s.logger.Info("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		peer.Close()
		return nil
	}
	if existing := s.connected[peer.ID()]; existing != nil {
		s.mu.Unlock()
		peer.Close()
		return existing
	}
	s.connected[peer.ID()] = peer
	s.mu.Unlock()

	peer.OnClose(func(error) {
		s.mu.Lock()
		if s.connected[peer.ID()] == peer {
			delete(s.connected, peer.ID())
		}
		s.mu.Unlock()
	})

	s.logger.Info("peer connected",
		"peer", peer.ID().String(),
		"remote", conn.RemoteAddr().String(),
	)
	s.peers <- peer
	return peer
}
