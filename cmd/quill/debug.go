// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/quill-foundation/quill/lib/codec"
	"github.com/quill-foundation/quill/lib/metadb"
	"github.com/quill-foundation/quill/lib/ref"
)

// runDebug prints a document's persisted metadata and clock baseline
// as JSON, reading the database directly (the backend need not be
// running; WAL mode tolerates a concurrent reader).
func runDebug(args []string) error {
	flags := pflag.NewFlagSet("debug", pflag.ContinueOnError)
	path := flags.String("path", "default", "repository root directory")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: quill debug --path DIR DOC_ID")
	}
	docID, err := ref.ParseDocID(flags.Arg(0))
	if err != nil {
		return err
	}

	db, err := metadb.Open(metadb.Config{Path: *path})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	dump := map[string]any{"doc": docID.String()}

	blocks, err := db.Meta.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, encoded := range blocks {
		var block map[string]any
		if err := codec.Unmarshal(encoded, &block); err != nil {
			continue
		}
		if id, _ := block["id"].(string); id == docID.String() {
			dump["metadata"] = block
		}
	}

	self, err := db.Keys.Get(ctx, metadb.SelfRepoKey)
	if err != nil {
		return err
	}
	if self != nil {
		defer self.Close()
		peerID := ref.PeerIDFromPublicKey(self.Public)
		dump["self"] = peerID.String()
		clock, err := db.Clocks.Get(ctx, peerID, docID)
		if err != nil {
			return err
		}
		if clock != nil {
			dump["baseline"] = clock
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(dump)
}
