// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/vclock"
)

// ClockStore persists one clock per (peer, doc) pair. Entries are
// monotone: Update merges by pointwise maximum, so a stored clock
// never moves backward. Clocks are canonicalized (zero entries
// dropped, deterministic CBOR) before hitting the database.
type ClockStore struct {
	db *DB
}

// Update merges incoming into the stored clock for (peer, doc) and
// returns the merged clock plus whether the stored value changed. A
// missing row counts as the empty clock.
func (s *ClockStore) Update(ctx context.Context, peer ref.PeerID, doc ref.DocID, incoming vclock.Clock) (vclock.Clock, bool, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.db.pool.Put(conn)

	stored, found, err := readClock(conn, peer, doc)
	if err != nil {
		return nil, false, err
	}

	merged := stored.Clone()
	changed := merged.Merge(incoming)
	if found && !changed {
		return merged, false, nil
	}

	encoded, err := merged.Canonical().MarshalCBOR()
	if err != nil {
		return nil, false, fmt.Errorf("metadb: encoding clock: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO clocks (peer, doc, clock) VALUES (?, ?, ?)
		ON CONFLICT (peer, doc) DO UPDATE SET clock = excluded.clock
	`, &sqlitex.ExecOptions{
		Args: []any{peer.String(), doc.String(), encoded},
	})
	if err != nil {
		return nil, false, fmt.Errorf("metadb: writing clock for (%s, %s): %w", peer, doc, err)
	}
	return merged, changed || !found, nil
}

// Get returns the stored clock for (peer, doc), or nil when no row
// exists.
func (s *ClockStore) Get(ctx context.Context, peer ref.PeerID, doc ref.DocID) (vclock.Clock, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	clock, found, err := readClock(conn, peer, doc)
	if err != nil || !found {
		return nil, err
	}
	return clock, nil
}

// Has reports whether a row exists for (peer, doc).
func (s *ClockStore) Has(ctx context.Context, peer ref.PeerID, doc ref.DocID) (bool, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.db.pool.Put(conn)

	_, found, err := readClock(conn, peer, doc)
	return found, err
}

// MaximumSatisfiedClock returns the largest stored clock for doc that
// is ≤ target, or nil. The (self, doc) row is preferred; when it is
// not dominated by target, the other rows for doc are considered.
func (s *ClockStore) MaximumSatisfiedClock(ctx context.Context, self ref.PeerID, doc ref.DocID, target vclock.Clock) (vclock.Clock, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	own, found, err := readClock(conn, self, doc)
	if err != nil {
		return nil, err
	}
	if found && !own.IsEmpty() && own.LessEq(target) {
		return own, nil
	}

	var best vclock.Clock
	var bestWeight uint64
	err = sqlitex.Execute(conn, `SELECT clock FROM clocks WHERE doc = ?`, &sqlitex.ExecOptions{
		Args: []any{doc.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, raw)
			var candidate vclock.Clock
			if err := candidate.UnmarshalCBOR(raw); err != nil {
				return err
			}
			// An empty clock is trivially dominated but is no
			// baseline at all.
			if candidate.IsEmpty() || !candidate.LessEq(target) {
				return nil
			}
			weight := clockWeight(candidate)
			if best == nil || weight > bestWeight {
				best = candidate
				bestWeight = weight
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: scanning clocks for %s: %w", doc, err)
	}
	return best, nil
}

// clockWeight orders dominated candidates: the sum of all entries.
// Among clocks ≤ target, a larger sum means strictly more observed
// changes.
func clockWeight(clock vclock.Clock) uint64 {
	var total uint64
	for _, seq := range clock {
		total += seq
	}
	return total
}

func readClock(conn *sqlite.Conn, peer ref.PeerID, doc ref.DocID) (vclock.Clock, bool, error) {
	var clock vclock.Clock
	found := false
	err := sqlitex.Execute(conn, `SELECT clock FROM clocks WHERE peer = ? AND doc = ?`, &sqlitex.ExecOptions{
		Args: []any{peer.String(), doc.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, raw)
			found = true
			return clock.UnmarshalCBOR(raw)
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("metadb: reading clock for (%s, %s): %w", peer, doc, err)
	}
	if !found {
		return vclock.New(), false, nil
	}
	return clock, true, nil
}
