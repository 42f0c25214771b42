// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/millsync/pkg/logging"
	"github.com/AleutianAI/millsync/pkg/telemetry"
	"github.com/AleutianAI/millsync/services/refdata/config"
)

// app carries the flags and the state built from them for one invocation.
type app struct {
	configPath string
	origin     string
	logLevel   string
	trace      bool
	plain      bool

	cfg               config.MillsyncConfig
	logger            *logging.Logger
	shutdownTelemetry func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "millsync",
		Short: "Keep dyeing firm and dyeing record data in sync across sessions",
		Long: `millsync keeps every session of the textile ERP converged on the same
dyeing firms and dyeing records.

Run "millsync hub" once per machine to relay change notifications, then use
the firms, records and watch commands from any number of terminals.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $MILLSYNC_CONFIG or ~/.millsync/millsync.yaml)")
	pf.StringVar(&a.origin, "origin", "", "identity of this session (default: generated)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")
	pf.BoolVar(&a.trace, "trace", false, "export spans (stdout unless the config selects otlp)")
	pf.BoolVar(&a.plain, "plain", false, "plain output without colors or interactive views")

	root.AddCommand(
		a.hubCmd(),
		a.apiCmd(),
		a.firmsCmd(),
		a.recordsCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if a.origin != "" {
		cfg.Origin = a.origin
	}
	if cfg.Origin == "" {
		cfg.Origin = "cli-" + uuid.NewString()[:8]
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "millsync",
		Origin:  cfg.Origin,
		JSON:    cfg.Logging.JSON,
	})

	if a.trace {
		tel := cfg.Telemetry.ForContext(cfg.Namespace, cfg.Origin).WithTraces(telemetry.ExporterStdout)
		shutdown, err := telemetry.Init(cmd.Context(), tel)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		a.shutdownTelemetry = shutdown
	}
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err.Error())
		}
	}
	if a.logger != nil {
		return a.logger.Close()
	}
	return nil
}
