// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// The TCP transport carries the peer protocol over an encrypted
// stream: an ephemeral x25519 exchange, directional keys derived with
// BLAKE3, and ChaCha20-Poly1305 per frame. WebRTC connections get
// DTLS from the stack; raw TCP has to bring its own.

// secureFrameLimit bounds one encrypted frame's plaintext.
const secureFrameLimit = 64 << 10

// Key derivation contexts. Initiator-to-responder and
// responder-to-initiator traffic use distinct keys so a reflected
// frame never decrypts.
const (
	keyContextInitiator = "quill.tcp.key.initiator.1"
	keyContextResponder = "quill.tcp.key.responder.1"
)

// secureConn encrypts a net.Conn frame-by-frame. Nonces are send
// counters, so frame reordering or replay fails authentication.
type secureConn struct {
	net.Conn

	send      cipher.AEAD
	sendNonce uint64
	recv      cipher.AEAD
	recvNonce uint64

	// plaintext carries decrypted bytes not yet consumed by Read.
	plaintext []byte
}

// newSecureConn runs the key exchange on conn. The initiator flag
// picks the directional keys; the dialer is the initiator.
func newSecureConn(conn net.Conn, initiator bool) (*secureConn, error) {
	var ephemeral [32]byte
	if _, err := rand.Read(ephemeral[:]); err != nil {
		return nil, fmt.Errorf("transport: generating ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(ephemeral[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transport: deriving ephemeral public key: %w", err)
	}

	// Both sides send before reading, so the write runs on a
	// background goroutine: on synchronous transports (net.Pipe)
	// Write blocks until the peer Reads.
	sent := make(chan error, 1)
	go func() {
		_, err := conn.Write(public)
		sent <- err
	}()
	peerPublic := make([]byte, 32)
	if _, err := io.ReadFull(conn, peerPublic); err != nil {
		return nil, fmt.Errorf("transport: reading peer ephemeral key: %w", err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("transport: sending ephemeral key: %w", err)
	}

	shared, err := curve25519.X25519(ephemeral[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("transport: computing shared secret: %w", err)
	}

	sendContext, recvContext := keyContextInitiator, keyContextResponder
	if !initiator {
		sendContext, recvContext = recvContext, sendContext
	}
	var sendKey, recvKey [chacha20poly1305.KeySize]byte
	blake3.DeriveKey(sendContext, shared, sendKey[:])
	blake3.DeriveKey(recvContext, shared, recvKey[:])

	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("transport: creating send cipher: %w", err)
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("transport: creating receive cipher: %w", err)
	}

	return &secureConn{Conn: conn, send: send, recv: recv}, nil
}

func (c *secureConn) Write(data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > secureFrameLimit {
			chunk = chunk[:secureFrameLimit]
		}

		var nonce [chacha20poly1305.NonceSize]byte
		binary.BigEndian.PutUint64(nonce[4:], c.sendNonce)
		c.sendNonce++

		sealed := c.send.Seal(nil, nonce[:], chunk, nil)
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(sealed)))
		if _, err := c.Conn.Write(header); err != nil {
			return total, err
		}
		if _, err := c.Conn.Write(sealed); err != nil {
			return total, err
		}

		total += len(chunk)
		data = data[len(chunk):]
	}
	return total, nil
}

func (c *secureConn) Read(buffer []byte) (int, error) {
	if len(c.plaintext) == 0 {
		header := make([]byte, 4)
		if _, err := io.ReadFull(c.Conn, header); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(header)
		if size > secureFrameLimit+uint32(c.recv.Overhead()) {
			return 0, fmt.Errorf("transport: encrypted frame of %d bytes exceeds limit", size)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(c.Conn, sealed); err != nil {
			return 0, err
		}

		var nonce [chacha20poly1305.NonceSize]byte
		binary.BigEndian.PutUint64(nonce[4:], c.recvNonce)
		c.recvNonce++

		plaintext, err := c.recv.Open(nil, nonce[:], sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("transport: frame authentication failed: %w", err)
		}
		c.plaintext = plaintext
	}

	copied := copy(buffer, c.plaintext)
	c.plaintext = c.plaintext[copied:]
	return copied, nil
}
