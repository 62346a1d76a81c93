// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// quill-standard pragmas.
//
// quill keeps one small relational database per repository (clock
// baselines and keypairs, see lib/metadb). The workload is a single
// writer — the repo dispatcher — with occasional concurrent readers
// from CLI tooling, so the pool defaults are modest and writes rely on
// SQLite's own serialization.
//
// Connections are configured with WAL journaling and a busy timeout so
// a reader opened by `quill debug` against a live repository does not
// fail spuriously.
//
// In-memory databases are supported for tests and for repositories
// opened with the memory option: pass ":memory:" as the path. Each
// in-memory connection is an independent database, so the pool size is
// forced to 1 in that mode.
package sqlitepool
