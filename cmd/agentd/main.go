// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/mdqc/agent/lib/config"
	"github.com/mdqc/agent/lib/process"
	"github.com/mdqc/agent/lib/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (defaults to $MDQC_CONFIG)")
	dataDir := flag.String("data-dir", "", "root directory for spool/, failed_files.json, templates/, certs/ (required)")
	logLevel := flag.String("log-level", "", "overrides agent.log_level from config")
	flag.Parse()

	if *dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	level := cfg.Agent.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))

	for _, dir := range []string{*dataDir, *dataDir + "/templates", *dataDir + "/certs"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	sup, err := supervisor.New(cfg, *dataDir, logger)
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		"agent_id", cfg.Agent.AgentID,
		"data_dir", *dataDir,
		"instruments", len(cfg.Instruments),
	)

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor exited: %w", err)
	}

	logger.Info("agent stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
