// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"log/slog"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/feed"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/transport"
)

// Discovery reports that a peer has become able to replicate a feed —
// the trigger for "send this peer our metadata and clocks, then our
// blocks".
type Discovery struct {
	FeedID ref.ActorID
	Peer   *transport.Peer
}

// replMsg is the feed replication protocol, carried on each peer's
// replication channel.
//
//	advertise: "my copy of feed F is N blocks long"
//	request:   "send me feed F from sequence S"
//	records:   a batch of signed records for feed F
type replMsg struct {
	Kind    string        `cbor:"kind"`
	Feed    ref.ActorID   `cbor:"feed"`
	Length  uint64        `cbor:"length,omitempty"`
	From    uint64        `cbor:"from,omitempty"`
	Records []feed.Record `cbor:"records,omitempty"`
}

const (
	replAdvertise = "advertise"
	replRequest   = "request"
	replRecords   = "records"
)

// ReplicationManager maps peers to the feeds they can replicate and
// runs the block exchange. It owns the replication channel of every
// peer stream; the MessageRouter owns the gossip channel of the same
// stream.
//
// Lives on the dispatcher.
type ReplicationManager struct {
	logger *slog.Logger
	feeds  *feed.Store

	// feedIDs is the set of locally interesting feeds, with the
	// topic index for interpreting peer announcements.
	feedIDs     map[ref.ActorID]bool
	topicToFeed map[ref.DiscoveryID]ref.ActorID

	peers      map[ref.PeerID]*transport.Peer
	peerTopics map[ref.PeerID]map[ref.DiscoveryID]bool

	// onDiscovery fires once per (feed, peer) pair when the pair
	// becomes able to replicate.
	onDiscovery func(Discovery)
	discovered  map[ref.PeerID]map[ref.ActorID]bool
}

func newReplicationManager(logger *slog.Logger, feeds *feed.Store, onDiscovery func(Discovery)) *ReplicationManager {
	return &ReplicationManager{
		logger:      logger,
		feeds:       feeds,
		feedIDs:     make(map[ref.ActorID]bool),
		topicToFeed: make(map[ref.DiscoveryID]ref.ActorID),
		peers:       make(map[ref.PeerID]*transport.Peer),
		peerTopics:  make(map[ref.PeerID]map[ref.DiscoveryID]bool),
		onDiscovery: onDiscovery,
		discovered:  make(map[ref.PeerID]map[ref.ActorID]bool),
	}
}

// AddFeedIDs registers additional feeds the local process wants to
// replicate. Already-connected peers that advertise them fire
// discovery immediately.
func (rm *ReplicationManager) AddFeedIDs(ids ...ref.ActorID) {
	for _, id := range ids {
		if rm.feedIDs[id] {
			continue
		}
		rm.feedIDs[id] = true
		rm.topicToFeed[id.Discovery()] = id

		for peerID, topics := range rm.peerTopics {
			if topics[id.Discovery()] {
				rm.fireDiscovery(rm.peers[peerID], id)
			}
		}
	}
}

// OnPeer registers a connected peer and evaluates its already-known
// topics against the local feed set.
func (rm *ReplicationManager) OnPeer(peer *transport.Peer) {
	rm.peers[peer.ID()] = peer
	if rm.peerTopics[peer.ID()] == nil {
		rm.peerTopics[peer.ID()] = make(map[ref.DiscoveryID]bool)
	}
	rm.OnPeerTopics(peer, peer.Topics())
}

// OnPeerTopics records topics a peer has announced, firing discovery
// for each locally known feed among them.
func (rm *ReplicationManager) OnPeerTopics(peer *transport.Peer, topics []ref.DiscoveryID) {
	known := rm.peerTopics[peer.ID()]
	if known == nil {
		known = make(map[ref.DiscoveryID]bool)
		rm.peerTopics[peer.ID()] = known
	}
	for _, topic := range topics {
		known[topic] = true
		if feedID, ok := rm.topicToFeed[topic]; ok {
			rm.fireDiscovery(peer, feedID)
		}
	}
}

// RemovePeer forgets a disconnected peer.
func (rm *ReplicationManager) RemovePeer(peer *transport.Peer) {
	delete(rm.peers, peer.ID())
	delete(rm.peerTopics, peer.ID())
	delete(rm.discovered, peer.ID())
}

// GetPeersWith returns the peers currently advertising at least one
// of the given discovery topics.
func (rm *ReplicationManager) GetPeersWith(topics ...ref.DiscoveryID) []*transport.Peer {
	var matched []*transport.Peer
	for peerID, known := range rm.peerTopics {
		for _, topic := range topics {
			if known[topic] {
				matched = append(matched, rm.peers[peerID])
				break
			}
		}
	}
	return matched
}

func (rm *ReplicationManager) fireDiscovery(peer *transport.Peer, feedID ref.ActorID) {
	if peer == nil {
		return
	}
	seen := rm.discovered[peer.ID()]
	if seen == nil {
		seen = make(map[ref.ActorID]bool)
		rm.discovered[peer.ID()] = seen
	}
	if seen[feedID] {
		return
	}
	seen[feedID] = true
	rm.onDiscovery(Discovery{FeedID: feedID, Peer: peer})
}

// Advertise tells peer how long our copy of feedID is.
func (rm *ReplicationManager) Advertise(peer *transport.Peer, feedID ref.ActorID) {
	f := rm.feeds.Get(feedID)
	if f == nil {
		return
	}
	rm.send(peer, replMsg{Kind: replAdvertise, Feed: feedID, Length: f.Len()})
}

// BroadcastRecord pushes a freshly appended record to every peer
// interested in the feed, preceded by the new length.
func (rm *ReplicationManager) BroadcastRecord(feedID ref.ActorID, record feed.Record) {
	peers := rm.GetPeersWith(feedID.Discovery())
	f := rm.feeds.Get(feedID)
	if f == nil {
		return
	}
	for _, peer := range peers {
		rm.send(peer, replMsg{Kind: replAdvertise, Feed: feedID, Length: f.Len()})
		rm.send(peer, replMsg{Kind: replRecords, Feed: feedID, Records: []feed.Record{record}})
	}
}

// HandleMessage processes one replication frame from peer. Malformed
// frames are logged and dropped.
func (rm *ReplicationManager) HandleMessage(peer *transport.Peer, payload []byte) {
	var msg replMsg
	if err := codec.Unmarshal(payload, &msg); err != nil {
		rm.logger.Info("dropping undecodable replication frame",
			"peer", peer.ID().String(), "error", err)
		return
	}
	if !rm.feedIDs[msg.Feed] {
		rm.logger.Info("replication frame for an unknown feed",
			"peer", peer.ID().String(), "feed", msg.Feed.String(), "kind", msg.Kind)
		return
	}
	f := rm.feeds.Get(msg.Feed)
	if f == nil {
		return
	}

	switch msg.Kind {
	case replAdvertise:
		f.SetRemoteLength(msg.Length)
		if f.Len() < msg.Length {
			rm.send(peer, replMsg{Kind: replRequest, Feed: msg.Feed, From: f.Len() + 1})
		}

	case replRequest:
		if err := rm.sendRecords(peer, f, msg.From); err != nil {
			rm.logger.Info("sending records failed",
				"peer", peer.ID().String(), "feed", msg.Feed.String(), "error", err)
		}

	case replRecords:
		for _, record := range msg.Records {
			if _, err := f.InsertRecord(record); err != nil {
				// A record failing verification is a hostile or
				// corrupt peer; drop the batch, keep the node up.
				rm.logger.Info("rejecting replicated record",
					"peer", peer.ID().String(), "feed", msg.Feed.String(),
					"seq", record.Seq, "error", err)
				return
			}
		}

	default:
		rm.logger.Info("replication frame with unknown kind",
			"peer", peer.ID().String(), "kind", msg.Kind)
	}
}

func (rm *ReplicationManager) sendRecords(peer *transport.Peer, f *feed.Feed, from uint64) error {
	length := f.Len()
	if from == 0 || from > length {
		return nil
	}
	records := make([]feed.Record, 0, length-from+1)
	for seq := from; seq <= length; seq++ {
		record, err := f.Record(seq)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return rm.send(peer, replMsg{Kind: replRecords, Feed: f.Actor(), Records: records})
}

func (rm *ReplicationManager) send(peer *transport.Peer, msg replMsg) error {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("backend: encoding replication frame: %w", err)
	}
	if err := peer.Send(transport.ChannelReplication, payload); err != nil {
		return fmt.Errorf("backend: sending replication frame: %w", err)
	}
	return nil
}
