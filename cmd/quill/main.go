// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// quill runs a repository backend from the command line.
//
//	quill serve  [--config quill.yaml] [--path DIR] [--listen ADDR] [--peer ADDR]...
//	quill keygen
//	quill debug  --path DIR DOC_ID
//
// serve runs a backend on a TCP swarm and logs every frontend
// notification; keygen prints a fresh document keypair; debug prints
// the stored metadata for one document.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mr-tron/base58"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: quill <serve|keygen|debug> [flags]")
		return 2
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "keygen":
		err = runKeygen()
	case "debug":
		err = runDebug(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "quill: unknown command %q\n", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "quill: %v\n", err)
		return 1
	}
	return 0
}

// runKeygen prints a fresh keypair: the base58 public key is the
// document (and root actor) id, the base64 secret feeds CreateMsg.
func runKeygen() error {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	fmt.Printf("doc id:     %s\n", base58.Encode(publicKey))
	fmt.Printf("secret key: %s\n", base64.StdEncoding.EncodeToString(privateKey))
	return nil
}

// awaitSignal blocks until SIGINT or SIGTERM.
func awaitSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}
