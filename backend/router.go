// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"log/slog"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
	"github.com/quill-foundation/quill/transport"
)

// PeerMsg is the typed gossip union multiplexed over each peer's
// gossip channel.
type PeerMsg interface {
	peerMsgType() string
}

// RemoteMetadataMsg gossips what the sender knows: metadata blocks
// plus per-document clocks.
type RemoteMetadataMsg struct {
	Blocks []MetadataBlock         `cbor:"blocks"`
	Clocks map[string]vclock.Clock `cbor:"clocks,omitempty"` // keyed by DocID string
}

// PeerDocumentMsg is an application-level payload addressed to a
// document, passed through to peers interested in it.
type PeerDocumentMsg struct {
	ID       ref.DocID `cbor:"id"`
	Contents any       `cbor:"contents"`
}

func (RemoteMetadataMsg) peerMsgType() string { return "RemoteMetadata" }
func (PeerDocumentMsg) peerMsgType() string   { return "DocumentMessage" }

// gossipEnvelope frames a PeerMsg on the wire: the type tag picks the
// decoder, unknown tags are dropped.
type gossipEnvelope struct {
	Type string           `cbor:"type"`
	Body codec.RawMessage `cbor:"body"`
}

// Routed pairs an inbound gossip message with its sender.
type Routed struct {
	Sender *transport.Peer
	Msg    PeerMsg
}

// MessageRouter encodes and decodes typed gossip over peer gossip
// channels. Inbound messages are handed to the inbox callback (the
// repo dispatcher); outbound messages fan out over SendToPeer and
// SendToPeers.
type MessageRouter struct {
	logger *slog.Logger
	inbox  func(Routed)
}

func newMessageRouter(logger *slog.Logger, inbox func(Routed)) *MessageRouter {
	return &MessageRouter{logger: logger, inbox: inbox}
}

// HandleFrame decodes one gossip frame from peer and delivers it to
// the inbox. Malformed or unknown messages are logged and dropped so
// one bad peer cannot stall the node.
func (r *MessageRouter) HandleFrame(peer *transport.Peer, payload []byte) {
	var envelope gossipEnvelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		r.logger.Info("dropping undecodable gossip frame",
			"peer", peer.ID().String(), "error", err)
		return
	}

	var msg PeerMsg
	switch envelope.Type {
	case RemoteMetadataMsg{}.peerMsgType():
		var decoded RemoteMetadataMsg
		if err := codec.Unmarshal(envelope.Body, &decoded); err != nil {
			r.logger.Info("dropping undecodable RemoteMetadata",
				"peer", peer.ID().String(), "error", err)
			return
		}
		msg = decoded

	case PeerDocumentMsg{}.peerMsgType():
		var decoded PeerDocumentMsg
		if err := codec.Unmarshal(envelope.Body, &decoded); err != nil {
			r.logger.Info("dropping undecodable DocumentMessage",
				"peer", peer.ID().String(), "error", err)
			return
		}
		msg = decoded

	default:
		r.logger.Info("dropping gossip with unknown type",
			"peer", peer.ID().String(), "type", envelope.Type)
		return
	}

	r.inbox(Routed{Sender: peer, Msg: msg})
}

// SendToPeer encodes and transmits one gossip message.
func (r *MessageRouter) SendToPeer(peer *transport.Peer, msg PeerMsg) error {
	body, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("backend: encoding %s: %w", msg.peerMsgType(), err)
	}
	payload, err := codec.Marshal(gossipEnvelope{Type: msg.peerMsgType(), Body: body})
	if err != nil {
		return fmt.Errorf("backend: encoding gossip envelope: %w", err)
	}
	return peer.Send(transport.ChannelGossip, payload)
}

// SendToPeers transmits msg to every peer, logging per-peer failures
// without aborting the fan-out.
func (r *MessageRouter) SendToPeers(peers []*transport.Peer, msg PeerMsg) {
	for _, peer := range peers {
		if err := r.SendToPeer(peer, msg); err != nil {
			r.logger.Info("gossip send failed",
				"peer", peer.ID().String(), "type", msg.peerMsgType(), "error", err)
		}
	}
}
