// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feed

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/quill-foundation/quill/lib/ref"
	"github.com/quill-foundation/quill/lib/secret"
)

// signatureDomain separates feed block signatures from any other use
// of the same key. The signed message is
// domain || be64(seq) || block, so a signature cannot be replayed at
// another position in the log.
const signatureDomain = "quill.feed.block.1"

// Record is the stored and replicated form of one block: the
// compressed payload plus everything needed to verify and restore it.
type Record struct {
	// Seq is the block's 1-based sequence number.
	Seq uint64 `cbor:"seq"`

	// Compression tags the payload's algorithm.
	Compression CompressionTag `cbor:"comp"`

	// RawLen is the uncompressed block length.
	RawLen uint32 `cbor:"raw_len"`

	// Signature is the actor's ed25519 signature over the
	// uncompressed block at this sequence.
	Signature []byte `cbor:"sig"`

	// Payload is the (possibly compressed) block bytes.
	Payload []byte `cbor:"payload"`
}

func signedMessage(seq uint64, block []byte) []byte {
	message := make([]byte, 0, len(signatureDomain)+8+len(block))
	message = append(message, signatureDomain...)
	message = binary.BigEndian.AppendUint64(message, seq)
	return append(message, block...)
}

// makeRecord compresses and signs a block for appending at seq. The
// key is read as a view into the protected buffer — no heap copy.
func makeRecord(secretKey *secret.Buffer, seq uint64, block []byte) (Record, error) {
	payload, tag, err := compressAuto(block)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Seq:         seq,
		Compression: tag,
		RawLen:      uint32(len(block)),
		Signature:   ed25519.Sign(ed25519.PrivateKey(secretKey.Bytes()), signedMessage(seq, block)),
		Payload:     payload,
	}, nil
}

// open decompresses the record and verifies the signature against the
// actor's public key. Every remotely received record passes through
// here before it is stored.
func (r Record) open(actor ref.ActorID) ([]byte, error) {
	block, err := decompressBlock(r.Payload, r.Compression, int(r.RawLen))
	if err != nil {
		return nil, err
	}
	if len(r.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("feed: record %d: signature is %d bytes, want %d",
			r.Seq, len(r.Signature), ed25519.SignatureSize)
	}
	if !ed25519.Verify(actor.PublicKey(), signedMessage(r.Seq, block), r.Signature) {
		return nil, fmt.Errorf("feed: record %d: signature verification failed for actor %s", r.Seq, actor)
	}
	return block, nil
}
