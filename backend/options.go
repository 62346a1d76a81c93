// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"log/slog"

	"github.com/quill-foundation/quill/lib/crdt"
	"github.com/quill-foundation/quill/transport"
)

// DefaultPath is the repository root when Options.Path is empty.
const DefaultPath = "default"

// Options configures a RepoBackend.
type Options struct {
	// Path is the root directory for feeds and the metadata
	// database. Defaults to DefaultPath. Ignored when Memory is set.
	Path string

	// Memory keeps feeds and the database in memory; no directory is
	// created.
	Memory bool

	// Swarm is the discovery transport. Nil runs the backend
	// standalone (no replication).
	Swarm transport.Swarm

	// Engine is the CRDT algebra. Defaults to crdt.NewListEngine().
	Engine crdt.Engine

	// Logger receives structured operational logs. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Engine == nil {
		o.Engine = crdt.NewListEngine()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
