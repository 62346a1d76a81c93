// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend implements quill's repository backend: the stateful
// coordinator between the frontend's materialized view, per-actor
// feeds, per-document CRDT state, and the peer swarm.
//
// A RepoBackend owns every collaborator and runs a single dispatcher
// goroutine. All mutations of the actor and document tables flow
// through it: frontend commands, swarm arrivals, and peer frames are
// posted as events; feed callbacks run inline because every feed
// mutation happens on the dispatcher itself. Each handler runs to
// completion before the next event is dequeued, which is what makes
// the ordering guarantees hold without fine-grained locking:
//
//   - per-actor blocks reach Actor change buffers in ascending order;
//   - per-(doc, actor) changes reach a DocBackend as contiguous
//     prefixes, never with holes;
//   - a local patch writes its change to the feed before the
//     dispatcher moves on, so no remote change for the same pair can
//     intervene.
//
// Deferred work ("run this once state S holds") is expressed with
// workQueue: a FIFO of closures behind a latch. Actors carry one for
// feed readiness and one for first sync; documents carry one for
// initial load.
package backend
