// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quill-foundation/quill/lib/ref"
)

// MetaStore persists one opaque metadata block per document. The
// backend serializes its in-memory metadata entries here after every
// mutation, so actor sets and merge clocks — which drive selective
// history loading — survive process restarts.
type MetaStore struct {
	db *DB
}

// Save writes (replacing) the block for doc.
func (s *MetaStore) Save(ctx context.Context, doc ref.DocID, block []byte) error {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.db.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO metadata (doc, block) VALUES (?, ?)
		ON CONFLICT (doc) DO UPDATE SET block = excluded.block
	`, &sqlitex.ExecOptions{
		Args: []any{doc.String(), block},
	})
	if err != nil {
		return fmt.Errorf("metadb: writing metadata for %s: %w", doc, err)
	}
	return nil
}

// Delete removes the block for doc.
func (s *MetaStore) Delete(ctx context.Context, doc ref.DocID) error {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.db.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM metadata WHERE doc = ?`, &sqlitex.ExecOptions{
		Args: []any{doc.String()},
	})
	if err != nil {
		return fmt.Errorf("metadb: deleting metadata for %s: %w", doc, err)
	}
	return nil
}

// LoadAll returns every stored block.
func (s *MetaStore) LoadAll(ctx context.Context) ([][]byte, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	var blocks [][]byte
	err = sqlitex.Execute(conn, `SELECT block FROM metadata`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			block := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, block)
			blocks = append(blocks, block)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: loading metadata: %w", err)
	}
	return blocks, nil
}
