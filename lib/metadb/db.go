// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quill-foundation/quill/lib/sqlitepool"
)

// DatabaseFile is the name of the SQLite file under the repo path.
const DatabaseFile = "quill.db"

// storeKeyFile holds the repository's age store identity, which seals
// the secret column of the keys table.
const storeKeyFile = "store.key"

// Config holds the parameters for opening a metadata database.
type Config struct {
	// Path is the repository root directory. Ignored when Memory is
	// set; required otherwise. The directory is created if absent.
	Path string

	// Memory opens the database in memory with an ephemeral store
	// identity. Nothing is written to disk.
	Memory bool

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// DB is an open metadata database. Access the three stores through
// the Clocks, Keys and Meta fields. Safe for concurrent use.
type DB struct {
	pool     *sqlitepool.Pool
	identity *age.X25519Identity
	logger   *slog.Logger

	// Clocks persists (peer, doc) → clock baselines.
	Clocks *ClockStore

	// Keys persists named ed25519 keypairs with sealed secrets.
	Keys *KeyStore

	// Meta persists per-document metadata blocks (actor sets and
	// merge clocks), so selective-history loading survives restarts.
	Meta *MetaStore
}

const schema = `
CREATE TABLE IF NOT EXISTS clocks (
	peer  TEXT NOT NULL,
	doc   TEXT NOT NULL,
	clock BLOB NOT NULL,
	PRIMARY KEY (peer, doc)
);
CREATE TABLE IF NOT EXISTS keys (
	name   TEXT PRIMARY KEY,
	public BLOB NOT NULL,
	secret TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS metadata (
	doc   TEXT PRIMARY KEY,
	block BLOB NOT NULL
);
`

// Open opens (creating if necessary) the metadata database for a
// repository. The caller must Close the DB when done.
func Open(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	databasePath := sqlitepool.MemoryPath
	var identity *age.X25519Identity
	var err error

	if cfg.Memory {
		identity, err = age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("metadb: generating ephemeral store identity: %w", err)
		}
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("metadb: Path is required unless Memory is set")
		}
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("metadb: creating repo directory: %w", err)
		}
		databasePath = filepath.Join(cfg.Path, DatabaseFile)
		identity, err = loadOrCreateStoreIdentity(filepath.Join(cfg.Path, storeKeyFile))
		if err != nil {
			return nil, err
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   databasePath,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: %w", err)
	}

	db := &DB{
		pool:     pool,
		identity: identity,
		logger:   logger,
	}
	db.Clocks = &ClockStore{db: db}
	db.Keys = &KeyStore{db: db}
	db.Meta = &MetaStore{db: db}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// loadOrCreateStoreIdentity reads the age identity at path, generating
// and persisting a new one (mode 0600) if the file does not exist.
func loadOrCreateStoreIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("metadb: parsing store identity %s: %w", path, err)
		}
		return identity, nil

	case os.IsNotExist(err):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("metadb: generating store identity: %w", err)
		}
		if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("metadb: writing store identity %s: %w", path, err)
		}
		return identity, nil

	default:
		return nil, fmt.Errorf("metadb: reading store identity %s: %w", path, err)
	}
}
