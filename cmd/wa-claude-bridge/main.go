// Copyright 2026 The wa-claude-bridge Authors
// SPDX-License-Identifier: Apache-2.0

// wa-claude-bridge connects a WhatsApp conversation to Claude Code
// agent sessions. It terminates the WhatsApp Cloud API webhook, routes
// inbound messages to per-project agent sessions, and streams agent
// output back as WhatsApp messages.
//
// On startup:
//  1. Loads the JSONC configuration and the YAML project catalog.
//  2. Starts the webhook HTTP server.
//  3. Learns the conversation peer from the first inbound message.
//  4. Opens agent sessions on demand as projects are addressed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bharat2288/wa-claude-bridge/agent"
	"github.com/bharat2288/wa-claude-bridge/bridge"
	"github.com/bharat2288/wa-claude-bridge/config"
	"github.com/bharat2288/wa-claude-bridge/lib/clock"
	"github.com/bharat2288/wa-claude-bridge/lib/version"
	"github.com/bharat2288/wa-claude-bridge/notify"
	"github.com/bharat2288/wa-claude-bridge/project"
	"github.com/bharat2288/wa-claude-bridge/registry"
	"github.com/bharat2288/wa-claude-bridge/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("wa-claude-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "/etc/wa-claude-bridge/config.jsonc", "path to the JSONC configuration file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("wa-claude-bridge %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalog, err := project.Load(configuration.ProjectsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recipient := &notify.Recipient{}
	notifier := notify.NewWhatsAppClient(
		configuration.WhatsApp.APIBaseURL,
		configuration.WhatsApp.Token,
		configuration.WhatsApp.PhoneNumberID,
		recipient,
		logger,
	)
	querier := &agent.ClaudeClient{
		Binary: configuration.ClaudeBinary,
		Logger: logger,
	}
	sessions := registry.New(registry.Config{
		Catalog:         catalog,
		Querier:         querier,
		Notifier:        notifier,
		Clock:           clock.Real(),
		Logger:          logger,
		AllowedTools:    configuration.AllowedTools,
		Debounce:        configuration.Debounce.Std(),
		ApprovalTimeout: configuration.ApprovalTimeout.Std(),
		QueryTimeout:    configuration.QueryTimeout.Std(),
		TranscriptDir:   configuration.TranscriptDir,
	})
	router := bridge.NewRouter(sessions, catalog, notifier, logger)
	handler := &webhook.Handler{
		Router:      router,
		Registry:    sessions,
		Recipient:   recipient,
		VerifyToken: configuration.WhatsApp.VerifyToken,
		Logger:      logger,
	}

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("bridge starting",
		"version", version.Info(),
		"listen_addr", configuration.ListenAddr,
		"projects", len(catalog.ListAvailable()))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		sessions.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
