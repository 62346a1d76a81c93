// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
)

// Channel tags for multiplexed peer frames.
const (
	// ChannelControl carries topic announcements.
	ChannelControl uint8 = 0

	// ChannelReplication carries feed replication messages.
	ChannelReplication uint8 = 1

	// ChannelGossip carries typed repo gossip (the "ext" channel;
	// see GossipExtension).
	ChannelGossip uint8 = 2
)

// GossipExtension names the gossip channel's protocol. Sent in the
// first control frame; a peer announcing a different extension is
// logged and the connection stays up.
const GossipExtension = "quill.2"

// maxFrameSize bounds one peer frame. Replication batches stay well
// under this; anything larger is a protocol violation.
const maxFrameSize = 8 << 20

// controlFrame is the payload of every ChannelControl frame. The
// first one (the hello) carries Extension; later ones announce newly
// joined topics.
type controlFrame struct {
	Extension string            `cbor:"ext,omitempty"`
	Topics    []ref.DiscoveryID `cbor:"topics,omitempty"`
	Left      []ref.DiscoveryID `cbor:"left,omitempty"`
}

// Peer is one authenticated connection to a remote repo. Frames are
// delivered to the handlers registered with Handle; frames arriving
// before Handle are buffered so none are lost during setup.
type Peer struct {
	id     ref.PeerID
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	topics    map[ref.DiscoveryID]bool
	onMessage func(channel uint8, payload []byte)
	onTopics  func(added []ref.DiscoveryID)
	onClose   func(err error)
	// closeObservers are internal close hooks, registered by the
	// owning swarm for connection-table cleanup, independent of the
	// Handle callbacks.
	closeObservers []func(err error)
	buffered       []bufferedEvent
	closed         bool
	closeErr       error
}

type bufferedEvent struct {
	channel uint8
	payload []byte
	topics  []ref.DiscoveryID
}

// newPeer authenticates conn and starts the read loop. localTopics is
// announced in the hello frame. Blocks until the handshake completes.
func newPeer(conn net.Conn, self Identity, localTopics []ref.DiscoveryID, logger *slog.Logger) (*Peer, error) {
	peerID, err := runPeerAuth(conn, self)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := &Peer{
		id:     peerID,
		conn:   conn,
		logger: logger,
		topics: make(map[ref.DiscoveryID]bool),
	}

	// The read loop must be running before the hello goes out: on
	// synchronous transports (net.Pipe) both sides send their hello
	// at once, and each write only completes once the other side is
	// reading.
	go p.readLoop()

	hello := controlFrame{Extension: GossipExtension, Topics: localTopics}
	if err := p.sendControl(hello); err != nil {
		p.finish(err)
		return nil, err
	}
	return p, nil
}

// ID returns the authenticated peer id.
func (p *Peer) ID() ref.PeerID { return p.id }

// Topics returns the topics the peer has announced so far.
func (p *Peer) Topics() []ref.DiscoveryID {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]ref.DiscoveryID, 0, len(p.topics))
	for topic := range p.topics {
		topics = append(topics, topic)
	}
	return topics
}

// HasTopic reports whether the peer has announced topic.
func (p *Peer) HasTopic(topic ref.DiscoveryID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

// Handle registers the peer's event handlers and drains any frames
// buffered since the connection opened. Call exactly once.
func (p *Peer) Handle(
	onMessage func(channel uint8, payload []byte),
	onTopics func(added []ref.DiscoveryID),
	onClose func(err error),
) {
	p.mu.Lock()
	p.onMessage = onMessage
	p.onTopics = onTopics
	p.onClose = onClose
	buffered := p.buffered
	p.buffered = nil
	closed := p.closed
	closeErr := p.closeErr
	p.mu.Unlock()

	for _, event := range buffered {
		if event.topics != nil {
			if onTopics != nil {
				onTopics(event.topics)
			}
		} else if onMessage != nil {
			onMessage(event.channel, event.payload)
		}
	}
	if closed && onClose != nil {
		onClose(closeErr)
	}
}

// OnClose registers an observer that fires once when the connection
// ends, independently of Handle. If the peer is already closed, fn
// fires immediately. Swarms use this to drop stale entries from their
// connection tables so a reconnecting peer is not masked.
func (p *Peer) OnClose(fn func(err error)) {
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		fn(err)
		return
	}
	p.closeObservers = append(p.closeObservers, fn)
	p.mu.Unlock()
}

// Send transmits one frame on the given channel.
func (p *Peer) Send(channel uint8, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds limit", len(payload))
	}
	header := make([]byte, 5)
	header[0] = channel
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.conn.Write(header); err != nil {
		return fmt.Errorf("transport: writing frame header to %s: %w", p.id, err)
	}
	if _, err := p.conn.Write(payload); err != nil {
		return fmt.Errorf("transport: writing frame to %s: %w", p.id, err)
	}
	return nil
}

// Announce tells the peer about newly joined local topics.
func (p *Peer) Announce(topics []ref.DiscoveryID) error {
	if len(topics) == 0 {
		return nil
	}
	return p.sendControl(controlFrame{Topics: topics})
}

// Retract tells the peer about locally left topics.
func (p *Peer) Retract(topics []ref.DiscoveryID) error {
	if len(topics) == 0 {
		return nil
	}
	return p.sendControl(controlFrame{Left: topics})
}

func (p *Peer) sendControl(frame controlFrame) error {
	payload, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: encoding control frame: %w", err)
	}
	return p.Send(ChannelControl, payload)
}

// Close tears the connection down. The onClose handler fires with a
// nil error.
func (p *Peer) Close() error {
	p.finish(nil)
	return nil
}

func (p *Peer) readLoop() {
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(p.conn, header); err != nil {
			p.finish(err)
			return
		}
		channel := header[0]
		size := binary.BigEndian.Uint32(header[1:])
		if size > maxFrameSize {
			p.finish(fmt.Errorf("transport: peer %s sent a %d byte frame", p.id, size))
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(p.conn, payload); err != nil {
			p.finish(err)
			return
		}

		if channel == ChannelControl {
			p.handleControl(payload)
			continue
		}

		p.mu.Lock()
		onMessage := p.onMessage
		if onMessage == nil {
			p.buffered = append(p.buffered, bufferedEvent{channel: channel, payload: payload})
		}
		p.mu.Unlock()
		if onMessage != nil {
			onMessage(channel, payload)
		}
	}
}

func (p *Peer) handleControl(payload []byte) {
	var frame controlFrame
	if err := codec.Unmarshal(payload, &frame); err != nil {
		p.logger.Info("dropping undecodable control frame", "peer", p.id.String(), "error", err)
		return
	}
	if frame.Extension != "" && frame.Extension != GossipExtension {
		p.logger.Info("peer speaks a different gossip extension",
			"peer", p.id.String(), "extension", frame.Extension)
	}

	p.mu.Lock()
	added := make([]ref.DiscoveryID, 0, len(frame.Topics))
	for _, topic := range frame.Topics {
		if !p.topics[topic] {
			p.topics[topic] = true
			added = append(added, topic)
		}
	}
	for _, topic := range frame.Left {
		delete(p.topics, topic)
	}
	onTopics := p.onTopics
	if len(added) > 0 && onTopics == nil {
		p.buffered = append(p.buffered, bufferedEvent{topics: added})
	}
	p.mu.Unlock()

	if len(added) > 0 && onTopics != nil {
		onTopics(added)
	}
}

func (p *Peer) finish(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	onClose := p.onClose
	observers := p.closeObservers
	p.closeObservers = nil
	p.mu.Unlock()

	p.conn.Close()
	for _, observer := range observers {
		observer(err)
	}
	if onClose != nil {
		onClose(err)
	}
}
