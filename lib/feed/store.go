// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/secret"
)

// logFileName is the single append-only file inside each feed's
// directory.
const logFileName = "log"

// maxRecordSize bounds one serialized record: the 1 MiB file-chunk
// ceiling plus generous envelope headroom. A larger length prefix
// means a corrupt or malicious log.
const maxRecordSize = 2 << 20

// Config holds the parameters for opening a feed store.
type Config struct {
	// Path is the root directory; each feed lives in
	// <path>/<actorId>/. Ignored when Memory is set.
	Path string

	// Memory keeps all feeds in memory; nothing touches disk.
	Memory bool

	// Logger receives per-feed lifecycle messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Store manages the feeds of one repository. Opening the same actor
// twice returns the same *Feed.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	feeds map[ref.ActorID]*Feed
}

// NewStore creates a feed store. No I/O happens until a feed is
// opened.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		feeds:  make(map[ref.ActorID]*Feed),
	}
}

// Open opens (creating if necessary) the feed for actor. A non-nil
// secretKey makes the feed writable; the feed takes ownership of the
// buffer and zeros it on Close. Passing nil for a feed previously
// opened writable keeps the original key; passing a key to an
// already-writable feed closes the redundant buffer.
func (s *Store) Open(actor ref.ActorID, secretKey *secret.Buffer) (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.feeds[actor]; ok {
		if secretKey != nil {
			if existing.Writable() {
				secretKey.Close()
			} else {
				existing.secretKey = secretKey
			}
		}
		return existing, nil
	}

	f := &Feed{
		actor:     actor,
		secretKey: secretKey,
		logger:    s.logger,
		records:   make(map[uint64]Record),
		blocks:    make(map[uint64][]byte),
	}

	if !s.cfg.Memory {
		// The feed owns the key from here; a failed open must not
		// leave the buffer dangling unzeroed.
		fail := func(err error) (*Feed, error) {
			if secretKey != nil {
				secretKey.Close()
			}
			return nil, err
		}
		if s.cfg.Path == "" {
			return fail(fmt.Errorf("feed: store Path is required unless Memory is set"))
		}
		dir := filepath.Join(s.cfg.Path, actor.String())
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fail(fmt.Errorf("feed: creating directory for %s: %w", actor, err))
		}
		logPath := filepath.Join(dir, logFileName)
		if err := loadLog(f, logPath); err != nil {
			return fail(err)
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fail(fmt.Errorf("feed: opening log for %s: %w", actor, err))
		}
		f.logFile = file
	}

	s.logger.Debug("feed opened",
		"actor", actor.String(),
		"writable", f.Writable(),
		"length", f.contiguous,
	)
	s.feeds[actor] = f
	return f, nil
}

// Get returns the already-open feed for actor, or nil.
func (s *Store) Get(actor ref.ActorID) *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[actor]
}

// Remove closes the feed for actor and forgets it. The on-disk log is
// left in place.
func (s *Store) Remove(actor ref.ActorID) error {
	s.mu.Lock()
	f, ok := s.feeds[actor]
	delete(s.feeds, actor)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return f.Close()
}

// Close closes every open feed.
func (s *Store) Close() error {
	s.mu.Lock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feeds = make(map[ref.ActorID]*Feed)
	s.mu.Unlock()

	var firstErr error
	for _, f := range feeds {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persistLocked appends record to the feed's log file (no-op in
// memory mode). Called with f.mu held, in strictly ascending sequence
// order — the log only ever contains the dense prefix.
func (f *Feed) persistLocked(record Record) error {
	if f.logFile == nil {
		return nil
	}
	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("feed: encoding record %d for %s: %w", record.Seq, f.actor, err)
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(encoded)), uint32(len(encoded)))
	frame = append(frame, encoded...)
	if _, err := f.logFile.Write(frame); err != nil {
		return fmt.Errorf("feed: appending record %d for %s: %w", record.Seq, f.actor, err)
	}
	return nil
}

// loadLog replays an existing log file into the feed. Records are
// verified as they load — a log written by this process still proves
// authorship on the way back in. A truncated trailing record (torn
// write on crash) stops the load at the last complete record.
func loadLog(f *Feed, path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("feed: opening log for %s: %w", f.actor, err)
	}
	defer file.Close()

	reader := io.Reader(file)
	var lengthPrefix [4]byte
	for {
		if _, err := io.ReadFull(reader, lengthPrefix[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("feed: reading log for %s: %w", f.actor, err)
		}
		size := binary.BigEndian.Uint32(lengthPrefix[:])
		if size > maxRecordSize {
			return fmt.Errorf("feed: log for %s: record of %d bytes exceeds limit", f.actor, size)
		}
		encoded := make([]byte, size)
		if _, err := io.ReadFull(reader, encoded); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				f.logger.Info("feed log ends mid-record, ignoring tail",
					"actor", f.actor.String(), "length", f.contiguous)
				return nil
			}
			return fmt.Errorf("feed: reading log for %s: %w", f.actor, err)
		}

		var record Record
		if err := codec.Unmarshal(encoded, &record); err != nil {
			return fmt.Errorf("feed: decoding record for %s: %w", f.actor, err)
		}
		if record.Seq != f.contiguous+1 {
			return fmt.Errorf("feed: log for %s: record %d where %d expected", f.actor, record.Seq, f.contiguous+1)
		}
		block, err := record.open(f.actor)
		if err != nil {
			return err
		}
		f.records[record.Seq] = record
		f.blocks[record.Seq] = block
		f.contiguous = record.Seq
	}
}
