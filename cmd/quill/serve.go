// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/quill-foundation/quill/backend"
	"github.com/quill-foundation/quill/transport"
)

// serveConfig is the YAML configuration for `quill serve`. Flags
// override file values.
type serveConfig struct {
	// Path is the repository root directory.
	Path string `yaml:"path"`

	// Memory runs everything in memory (useful for relays that only
	// forward feeds during their own lifetime).
	Memory bool `yaml:"memory"`

	// Listen is the TCP accept address for the swarm. Empty disables
	// listening.
	Listen string `yaml:"listen"`

	// Peers are static swarm peer addresses to dial.
	Peers []string `yaml:"peers"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

func runServe(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	path := flags.String("path", "", "repository root directory")
	memory := flags.Bool("memory", false, "keep all state in memory")
	listen := flags.String("listen", "", "TCP listen address for the swarm")
	peers := flags.StringArray("peer", nil, "static peer address (repeatable)")
	logLevel := flags.String("log-level", "", "debug, info, warn, or error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := serveConfig{Path: backend.DefaultPath, Listen: ":7791", LogLevel: "info"}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", *configPath, err)
		}
	}
	if *path != "" {
		cfg.Path = *path
	}
	if *memory {
		cfg.Memory = true
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if len(*peers) > 0 {
		cfg.Peers = append(cfg.Peers, *peers...)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// The backend mints (or loads) the repo identity; the swarm needs
	// it for peer authentication, so the backend opens first and the
	// swarm attaches afterwards through AttachSwarm.
	repo, err := backend.New(backend.Options{
		Path:   cfg.Path,
		Memory: cfg.Memory,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	swarm, err := transport.NewTCPSwarm(transport.TCPConfig{
		Identity: repo.Identity(),
		Listen:   cfg.Listen,
		Peers:    cfg.Peers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	repo.AttachSwarm(swarm)

	logger.Info("quill serving",
		"self", repo.Self().String(),
		"listen", swarm.Address(),
		"peers", len(cfg.Peers),
	)

	// Log every frontend notification; a real frontend would consume
	// these over IPC.
	go func() {
		for msg := range repo.Notifications() {
			logger.Info("notification", "msg", fmt.Sprintf("%+v", msg))
		}
	}()

	awaitSignal()
	logger.Info("shutting down")
	return nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
