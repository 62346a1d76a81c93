// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quill-foundation/quill/lib/ref"
)

// signalPollInterval is how often joined topics poll the signaler for
// inbound offers and answers.
const signalPollInterval = time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering before publishing an SDP.
const iceGatherTimeout = 15 * time.Second

// dataChannelLabel names the single stream each peer pair shares.
const dataChannelLabel = "quill"

// WebRTCConfig holds the parameters for a WebRTC swarm.
type WebRTCConfig struct {
	// Identity is the repo identity presented to peers.
	Identity Identity

	// Signaler moves SDPs between peers. Required.
	Signaler Signaler

	// ICEServers configures STUN/TURN. Empty means host candidates
	// only, which suffices on one machine or LAN.
	ICEServers []webrtc.ICEServer

	// Logger receives connection lifecycle messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// WebRTCSwarm discovers peers by topic through a Signaler and
// connects them over pion data channels. Each swarm keeps one open
// offer per joined topic; peers with a lexicographically smaller id
// answer, so each pair negotiates exactly once. DTLS encrypts the
// stream; the shared peer protocol authenticates it.
type WebRTCSwarm struct {
	cfg    WebRTCConfig
	api    *webrtc.API
	logger *slog.Logger

	mu     sync.Mutex
	topics map[ref.DiscoveryID]context.CancelFunc
	// offer tracks the open offer's PeerConnection per topic.
	offers    map[ref.DiscoveryID]*webrtc.PeerConnection
	connected map[ref.PeerID]*Peer
	closed    bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	peers chan *Peer
}

// Compile-time interface check.
var _ Swarm = (*WebRTCSwarm)(nil)

// NewWebRTCSwarm creates a WebRTC swarm. No signaling happens until
// the first Join.
func NewWebRTCSwarm(cfg WebRTCConfig) (*WebRTCSwarm, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("transport: Signaler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Detached data channels expose the raw stream, which the peer
	// protocol needs; the default message-oriented API does not.
	var settings webrtc.SettingEngine
	settings.DetachDataChannels()

	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCSwarm{
		cfg:        cfg,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		logger:     logger,
		topics:     make(map[ref.DiscoveryID]context.CancelFunc),
		offers:     make(map[ref.DiscoveryID]*webrtc.PeerConnection),
		connected:  make(map[ref.PeerID]*Peer),
		rootCtx:    ctx,
		rootCancel: cancel,
		peers:      make(chan *Peer, 16),
	}, nil
}

// Join implements Swarm: publishes an open offer for the topic and
// starts polling it.
func (s *WebRTCSwarm) Join(topic ref.DiscoveryID) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, joined := s.topics[topic]; joined {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	s.topics[topic] = cancel
	s.mu.Unlock()

	go s.topicLoop(ctx, topic)
}

// Leave implements Swarm: stops polling and retires the open offer.
// Established connections survive.
func (s *WebRTCSwarm) Leave(topic ref.DiscoveryID) {
	s.mu.Lock()
	cancel, joined := s.topics[topic]
	delete(s.topics, topic)
	offer := s.offers[topic]
	delete(s.offers, topic)
	peers := make([]*Peer, 0, len(s.connected))
	for _, peer := range s.connected {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	if joined {
		cancel()
	}
	if offer != nil {
		offer.Close()
	}
	for _, peer := range peers {
		if err := peer.Retract([]ref.DiscoveryID{topic}); err != nil {
			s.logger.Info("topic retract failed", "peer", peer.ID().String(), "error", err)
		}
	}
}

// Peers implements Swarm.
func (s *WebRTCSwarm) Peers() <-chan *Peer { return s.peers }

// Close implements Swarm.
func (s *WebRTCSwarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	offers := make([]*webrtc.PeerConnection, 0, len(s.offers))
	for _, pc := range s.offers {
		offers = append(offers, pc)
	}
	peers := make([]*Peer, 0, len(s.connected))
	for _, peer := range s.connected {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	s.rootCancel()
	for _, pc := range offers {
		pc.Close()
	}
	for _, peer := range peers {
		peer.Close()
	}
	return nil
}

// topicLoop maintains the topic's open offer and polls for inbound
// offers and answers until the topic is left or the swarm closes.
func (s *WebRTCSwarm) topicLoop(ctx context.Context, topic ref.DiscoveryID) {
	if err := s.publishOpenOffer(ctx, topic); err != nil {
		s.logger.Info("publishing initial offer failed", "topic", topic.String(), "error", err)
	}

	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		offers, err := s.cfg.Signaler.PollOffers(ctx, topic, s.cfg.Identity.ID)
		if err != nil {
			s.logger.Info("polling offers failed", "topic", topic.String(), "error", err)
			continue
		}
		for _, offer := range offers {
			// Deterministic glare resolution: the smaller id answers.
			if s.cfg.Identity.ID.String() >= offer.From.String() {
				continue
			}
			if s.isConnected(offer.From) {
				continue
			}
			if err := s.answerOffer(ctx, topic, offer); err != nil {
				s.logger.Info("answering offer failed",
					"topic", topic.String(), "offerer", offer.From.String(), "error", err)
			}
		}

		answers, err := s.cfg.Signaler.PollAnswers(ctx, topic, s.cfg.Identity.ID)
		if err != nil {
			s.logger.Info("polling answers failed", "topic", topic.String(), "error", err)
			continue
		}
		for _, answer := range answers {
			if s.isConnected(answer.From) {
				continue
			}
			if err := s.completeOffer(ctx, topic, answer); err != nil {
				s.logger.Info("completing offer failed",
					"topic", topic.String(), "answerer", answer.From.String(), "error", err)
			}
		}
	}
}

func (s *WebRTCSwarm) isConnected(peer ref.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.connected[peer]
	return ok
}

// publishOpenOffer creates a PeerConnection with a pending data
// channel, gathers candidates, and publishes the offer SDP.
func (s *WebRTCSwarm) publishOpenOffer(ctx context.Context, topic ref.DiscoveryID) error {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("transport: creating peer connection: %w", err)
	}

	channel, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: creating data channel: %w", err)
	}
	channel.OnOpen(func() {
		s.runDataChannel(channel)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("transport: ICE gathering timed out")
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	s.mu.Lock()
	if previous := s.offers[topic]; previous != nil {
		previous.Close()
	}
	s.offers[topic] = pc
	s.mu.Unlock()

	return s.cfg.Signaler.PublishOffer(ctx, topic, s.cfg.Identity.ID, pc.LocalDescription().SDP)
}

// answerOffer responds to a remote offer: a fresh PeerConnection that
// accepts the offerer's data channel.
func (s *WebRTCSwarm) answerOffer(ctx context.Context, topic ref.DiscoveryID, offer SignalMessage) error {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("transport: creating peer connection: %w", err)
	}
	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		channel.OnOpen(func() {
			s.runDataChannel(channel)
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("transport: setting remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("transport: creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("transport: ICE gathering timed out")
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	return s.cfg.Signaler.PublishAnswer(ctx, topic, offer.From, s.cfg.Identity.ID, pc.LocalDescription().SDP)
}

// completeOffer applies an answer to the topic's open offer and
// immediately publishes a fresh offer so later peers on the same
// topic can still connect.
func (s *WebRTCSwarm) completeOffer(ctx context.Context, topic ref.DiscoveryID, answer SignalMessage) error {
	s.mu.Lock()
	pc := s.offers[topic]
	delete(s.offers, topic)
	s.mu.Unlock()

	if pc == nil {
		return fmt.Errorf("transport: answer with no open offer")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("transport: setting remote answer: %w", err)
	}

	return s.publishOpenOffer(ctx, topic)
}

// runDataChannel upgrades an open data channel into a Peer via the
// shared protocol.
func (s *WebRTCSwarm) runDataChannel(channel *webrtc.DataChannel) {
	raw, err := channel.Detach()
	if err != nil {
		s.logger.Info("detaching data channel failed", "error", err)
		return
	}
	conn := newDataChannelConn(raw, s.cfg.Identity.ID.String(), "remote")

	s.mu.Lock()
	topics := make([]ref.DiscoveryID, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	peer, err := newPeer(conn, s.cfg.Identity, topics, s.logger)
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

	// When the connection drops, clear the table entry and republish
	// open offers: the dropped peer's poll cursor has already consumed
	// the previous offers, so a reconnect needs fresh ones.
	peer.OnClose(func(error) {
		s.mu.Lock()
		if s.connected[peer.ID()] == peer {
			delete(s.connected, peer.ID())
		}
		closed := s.closed
		topics := make([]ref.DiscoveryID, 0, len(s.topics))
		for topic := range s.topics {
			topics = append(topics, topic)
		}
		s.mu.Unlock()
		if closed {
			return
		}
		go func() {
			for _, topic := range topics {
				if err := s.publishOpenOffer(s.rootCtx, topic); err != nil {
					s.logger.Info("republishing offer failed",
						"topic", topic.String(), "error", err)
				}
			}
		}()
	})

	s.logger.Info("peer connected", "peer", peer.ID().String(), "transport", "webrtc")
	s.peers <- peer
}
