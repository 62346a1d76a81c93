// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadb

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quill-foundation/quill/lib/secret"
)

// SelfRepoKey is the reserved key name for the repo identity keypair.
const SelfRepoKey = "self.repo"

// Keypair is a named ed25519 keypair. Secret is nil for keys this
// process can only verify with (read-only actors learned from peers);
// otherwise it holds the private key in protected memory
// (secret.Buffer: mlocked, excluded from core dumps, zeroed on
// Close). The owner of the keypair — ultimately the feed or backend
// that signs with it — must Close it.
type Keypair struct {
	Public ed25519.PublicKey
	Secret *secret.Buffer
}

// NewKeypair moves a freshly generated private key into protected
// memory. The source slice is zeroed; from here on the buffer is the
// only copy.
func NewKeypair(public ed25519.PublicKey, private ed25519.PrivateKey) (*Keypair, error) {
	buffer, err := secret.NewFromBytes(private)
	if err != nil {
		return nil, fmt.Errorf("metadb: protecting private key: %w", err)
	}
	return &Keypair{Public: public, Secret: buffer}, nil
}

// Writable reports whether the secret half is present.
func (k *Keypair) Writable() bool { return k.Secret != nil }

// PrivateKey returns the private key as a view into the protected
// buffer — no heap copy is made. The view is valid only until the
// keypair is closed. Nil for read-only keypairs.
func (k *Keypair) PrivateKey() ed25519.PrivateKey {
	if k.Secret == nil {
		return nil
	}
	return ed25519.PrivateKey(k.Secret.Bytes())
}

// Close zeros and releases the protected secret. Idempotent; a no-op
// for read-only keypairs.
func (k *Keypair) Close() error {
	if k.Secret == nil {
		return nil
	}
	return k.Secret.Close()
}

// KeyStore persists named keypairs. Secret halves are stored as age
// ciphertext sealed to the repository's store identity — never in
// plaintext — and unseal straight into protected memory.
type KeyStore struct {
	db *DB
}

// Get returns the keypair stored under name, or nil when absent. The
// caller owns the returned keypair and must Close it (directly or by
// handing its buffer to a feed).
func (s *KeyStore) Get(ctx context.Context, name string) (*Keypair, error) {
	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	var public []byte
	var sealedSecret string
	found := false
	err = sqlitex.Execute(conn, `SELECT public, secret FROM keys WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			public = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, public)
			sealedSecret = stmt.ColumnText(1)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: reading key %q: %w", name, err)
	}
	if !found {
		return nil, nil
	}

	keypair := &Keypair{Public: ed25519.PublicKey(public)}
	if sealedSecret != "" {
		buffer, err := s.unseal(sealedSecret)
		if err != nil {
			return nil, fmt.Errorf("metadb: unsealing secret for %q: %w", name, err)
		}
		keypair.Secret = buffer
	}
	return keypair, nil
}

// Set persists keypair under name, replacing any previous row. The
// keypair is borrowed, not consumed — the caller still owns it.
func (s *KeyStore) Set(ctx context.Context, name string, keypair *Keypair) error {
	if len(keypair.Public) != ed25519.PublicKeySize {
		return fmt.Errorf("metadb: key %q: public key is %d bytes, want %d",
			name, len(keypair.Public), ed25519.PublicKeySize)
	}

	sealedSecret := ""
	if keypair.Writable() {
		sealed, err := s.seal(keypair.Secret.Bytes())
		if err != nil {
			return fmt.Errorf("metadb: sealing secret for %q: %w", name, err)
		}
		sealedSecret = sealed
	}

	conn, err := s.db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.db.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO keys (name, public, secret) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET public = excluded.public, secret = excluded.secret
	`, &sqlitex.ExecOptions{
		Args: []any{name, []byte(keypair.Public), sealedSecret},
	})
	if err != nil {
		return fmt.Errorf("metadb: writing key %q: %w", name, err)
	}
	return nil
}

// seal encrypts plaintext to the store identity and base64-encodes
// the ciphertext for the TEXT column.
func (s *KeyStore) seal(plaintext []byte) (string, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.db.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// unseal decrypts a sealed secret into protected memory. The heap
// copy that io.ReadAll produces is zeroed by NewFromBytes — it exists
// only for the span of this call.
func (s *KeyStore) unseal(sealed string) (*secret.Buffer, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.db.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		for index := range plaintext {
			plaintext[index] = 0
		}
		return nil, fmt.Errorf("protecting plaintext: %w", err)
	}
	return buffer, nil
}
