// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides quill's standard CBOR encoding configuration.
//
// quill serializes everything that crosses a process boundary or hits
// disk as CBOR: feed block envelopes, peer gossip frames, persisted
// clock rows, and file-feed headers. JSON appears only at the CLI
// surface (the debug dump).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes — required because
// clocks and metadata blocks are compared and gossiped by value, and
// two peers must agree on the byte form of identical state.
//
// For buffer-oriented operations (feed records, database rows):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (peer streams):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
