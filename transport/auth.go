// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/quill-foundation/quill/lib/ref"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authDomain separates auth signatures from every other use of the
// repo key.
const authDomain = "quill.peer.auth.1"

// runPeerAuth executes the mutual authentication protocol on a fresh
// connection. Both peers run this function simultaneously. The
// protocol is:
//
//  1. Send our 32-byte public key and a 32-byte random nonce
//  2. Read the peer's public key and nonce
//  3. Sign (domain || peerNonce || peerID) — binding the response to
//     the specific challenger's identity
//  4. Send the 64-byte ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (domain || ownNonce || ownID) using the
//     peer's claimed public key
//
// The id binding in step 3 prevents a valid signature for peer A from
// being replayed to authenticate against peer B.
//
// Writes run on a background goroutine so the handshake cannot
// deadlock on synchronous transports (net.Pipe), where Write blocks
// until the peer Reads.
func runPeerAuth(channel io.ReadWriter, self Identity) (ref.PeerID, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return ref.PeerID{}, fmt.Errorf("transport: generating auth nonce: %w", err)
	}

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	// Background writer: our key and nonce first, then the signature
	// once the main goroutine computes it.
	go func() {
		hello := append(append([]byte{}, self.ID.PublicKey()...), nonce...)
		if _, err := channel.Write(hello); err != nil {
			writeErrors <- fmt.Errorf("transport: sending auth hello: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("transport: sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerHello := make([]byte, ref.KeySize+authNonceSize)
	if _, err := io.ReadFull(channel, peerHello); err != nil {
		close(signatureToSend)
		return ref.PeerID{}, fmt.Errorf("transport: reading auth hello: %w", err)
	}
	peerKey := ed25519.PublicKey(peerHello[:ref.KeySize])
	peerNonce := peerHello[ref.KeySize:]
	peerID := ref.PeerIDFromPublicKey(peerKey)
	if peerID == self.ID {
		close(signatureToSend)
		return ref.PeerID{}, fmt.Errorf("transport: peer presented our own identity")
	}

	signatureToSend <- ed25519.Sign(self.Secret, authMessage(peerNonce, peerID))

	peerSignature := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return ref.PeerID{}, fmt.Errorf("transport: reading auth signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return ref.PeerID{}, err
	}

	// The peer signed (our nonce || our id): a response to OUR
	// challenge, bound to OUR identity.
	if !ed25519.Verify(peerKey, authMessage(nonce, self.ID), peerSignature) {
		return ref.PeerID{}, fmt.Errorf("transport: peer %s failed authentication", peerID)
	}
	return peerID, nil
}

func authMessage(nonce []byte, challenger ref.PeerID) []byte {
	message := make([]byte, 0, len(authDomain)+len(nonce)+ref.KeySize)
	message = append(message, authDomain...)
	message = append(message, nonce...)
	return append(message, challenger.PublicKey()...)
}
