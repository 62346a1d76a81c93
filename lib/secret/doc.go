// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data —
// in quill, the ed25519 private keys behind writable feeds and the
// repo identity.
//
// [Buffer] allocates memory outside the Go heap via
// mmap(MAP_ANONYMOUS), locks it into physical RAM via mlock
// (preventing swap), and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). On Close, the memory is zeroed, unlocked,
// and unmapped. Because the memory lives outside the Go heap, the
// garbage collector cannot copy or relocate it, so closing a buffer
// really does erase the key.
//
// On-disk sealing (lib/metadb's age-encrypted secret column) is only
// half the job: once a key is decrypted for signing, a bare []byte
// would sit on the heap — swappable, dumpable, and copied around by
// the collector — for as long as anything references it. Keys
// therefore stay in a Buffer from the moment they are generated or
// unsealed until the owning feed or backend closes.
//
// Depends on golang.org/x/sys/unix. No quill-internal dependencies.
package secret
