// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/secret"
)

// Feed is one append-only signed log. Safe for concurrent use; all
// callbacks are invoked without internal locks held, in the order the
// triggering events were applied.
type Feed struct {
	actor ref.ActorID
	// secretKey holds the signing key in protected memory (mlocked,
	// excluded from core dumps). The feed owns it: Close zeros it.
	// Nil for read-only feeds.
	secretKey *secret.Buffer
	logger    *slog.Logger

	mu sync.Mutex
	// records and blocks are keyed by 1-based sequence. Both may be
	// sparse while replication fills holes; only the contiguous
	// prefix is persisted and delivered.
	records map[uint64]Record
	blocks  map[uint64][]byte
	// contiguous is the length of the dense prefix: seqs 1..contiguous
	// are all present.
	contiguous uint64
	// remoteLength is the longest length any peer has advertised.
	remoteLength uint64
	synced       bool
	closed       bool

	logFile *os.File // nil in memory mode

	subscribers []*subscriber
	onSync      []func()
	onDownload  []func(seq uint64, size int)
}

// subscriber tracks how far one block callback has been driven, so
// replay and live delivery share a single in-order path.
type subscriber struct {
	fn        func(seq uint64, block []byte)
	delivered uint64
}

// Actor returns the feed's actor id.
func (f *Feed) Actor() ref.ActorID { return f.actor }

// Writable reports whether this process holds the secret key.
func (f *Feed) Writable() bool { return f.secretKey != nil }

// Len returns the length of the contiguous block prefix.
func (f *Feed) Len() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contiguous
}

// KnownLength returns the larger of the local contiguous length and
// the longest remote advertisement.
func (f *Feed) KnownLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return max(f.contiguous, f.remoteLength)
}

// Synced reports whether the contiguous prefix has caught up with
// every remote advertisement received so far.
func (f *Feed) Synced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synced
}

// Block returns the uncompressed block at 1-based seq.
func (f *Feed) Block(seq uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[seq]
	if !ok {
		return nil, fmt.Errorf("feed: %s has no block %d", f.actor, seq)
	}
	return block, nil
}

// Record returns the stored record at 1-based seq, for transmission
// to a replicating peer.
func (f *Feed) Record(seq uint64) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[seq]
	if !ok {
		return Record{}, fmt.Errorf("feed: %s has no record %d", f.actor, seq)
	}
	return record, nil
}

// Append signs and stores a new block at the end of the log. Only
// legal on writable feeds. Returns the block's sequence number.
func (f *Feed) Append(block []byte) (uint64, error) {
	if !f.Writable() {
		return 0, fmt.Errorf("feed: %s is not writable", f.actor)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, fmt.Errorf("feed: %s is closed", f.actor)
	}
	seq := f.contiguous + 1
	record, err := makeRecord(f.secretKey, seq, block)
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}
	if err := f.persistLocked(record); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	f.records[seq] = record
	f.blocks[seq] = block
	f.contiguous = seq
	deliveries := f.pendingDeliveriesLocked()
	f.mu.Unlock()

	for _, deliver := range deliveries {
		deliver()
	}
	return seq, nil
}

// InsertRecord stores a replicated record, verifying its signature
// against the feed's actor id. Returns false when the record was
// already present. Invalid records are rejected with an error and
// leave the feed unchanged.
func (f *Feed) InsertRecord(record Record) (bool, error) {
	if record.Seq == 0 {
		return false, fmt.Errorf("feed: %s: record with sequence 0", f.actor)
	}
	block, err := record.open(f.actor)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false, fmt.Errorf("feed: %s is closed", f.actor)
	}
	if _, present := f.records[record.Seq]; present {
		f.mu.Unlock()
		return false, nil
	}
	f.records[record.Seq] = record
	f.blocks[record.Seq] = block

	// Advance the dense prefix over any holes this record filled,
	// persisting newly contiguous records in order. Out-of-order
	// records stay memory-only until the prefix reaches them.
	for {
		next, ok := f.records[f.contiguous+1]
		if !ok {
			break
		}
		if err := f.persistLocked(next); err != nil {
			f.mu.Unlock()
			return false, err
		}
		f.contiguous++
	}

	downloads := make([]func(), 0, len(f.onDownload))
	for _, fn := range f.onDownload {
		fn := fn
		downloads = append(downloads, func() { fn(record.Seq, len(record.Payload)) })
	}
	deliveries := f.pendingDeliveriesLocked()
	f.mu.Unlock()

	for _, fire := range downloads {
		fire()
	}
	for _, deliver := range deliveries {
		deliver()
	}
	return true, nil
}

// SetRemoteLength records a peer's advertised length for this feed.
// Lengths only grow. Fires the sync callbacks if the local prefix has
// already caught up.
func (f *Feed) SetRemoteLength(length uint64) {
	f.mu.Lock()
	if length > f.remoteLength {
		f.remoteLength = length
		f.synced = false
	}
	deliveries := f.pendingDeliveriesLocked()
	f.mu.Unlock()

	for _, deliver := range deliveries {
		deliver()
	}
}

// Subscribe registers fn for every block, past and future, delivered
// strictly in ascending sequence order starting from 1.
func (f *Feed) Subscribe(fn func(seq uint64, block []byte)) {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, &subscriber{fn: fn})
	deliveries := f.pendingDeliveriesLocked()
	f.mu.Unlock()

	for _, deliver := range deliveries {
		deliver()
	}
}

// OnSync registers fn to fire each time the feed catches up with the
// longest remote advertisement. If the feed is already caught up with
// a nonzero advertisement, fn fires immediately.
func (f *Feed) OnSync(fn func()) {
	f.mu.Lock()
	f.onSync = append(f.onSync, fn)
	alreadySynced := f.synced
	f.mu.Unlock()

	if alreadySynced {
		fn()
	}
}

// OnDownload registers fn to fire for every replicated record as it
// arrives (in arrival order, which may differ from sequence order).
func (f *Feed) OnDownload(fn func(seq uint64, size int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDownload = append(f.onDownload, fn)
}

// pendingDeliveriesLocked computes the subscriber and sync callbacks
// made runnable by the last state change. Called with f.mu held; the
// returned closures must be run after unlocking.
func (f *Feed) pendingDeliveriesLocked() []func() {
	var deliveries []func()

	for _, sub := range f.subscribers {
		sub := sub
		for sub.delivered < f.contiguous {
			sub.delivered++
			seq := sub.delivered
			block := f.blocks[seq]
			deliveries = append(deliveries, func() { sub.fn(seq, block) })
		}
	}

	if !f.synced && f.remoteLength > 0 && f.contiguous >= f.remoteLength {
		f.synced = true
		for _, fn := range f.onSync {
			fn := fn
			deliveries = append(deliveries, func() { fn() })
		}
	}

	return deliveries
}

// Close releases the feed's file handle and zeros its signing key.
// Further Appends and Inserts fail; reads keep working.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.secretKey != nil {
		if err := f.secretKey.Close(); err != nil {
			f.logger.Info("releasing signing key failed", "actor", f.actor.String(), "error", err)
		}
		f.secretKey = nil
	}
	if f.logFile != nil {
		if err := f.logFile.Close(); err != nil {
			return fmt.Errorf("feed: closing log for %s: %w", f.actor, err)
		}
		f.logFile = nil
	}
	return nil
}
