// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree of the timelimit binary.
package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-timelimit/config"
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "timelimit",
		Short: "Parental screen time limits with multi-device sync",
		Long: `timelimit enforces per-category screen time rules on a child's device
and keeps the devices of a family in sync through a central server.`,
		SilenceUsage: true,
	}
	root.AddCommand(newAgentCommand(), newServerCommand(), newTokenCommand(), newStatusCommand())
	return root
}

// Execute runs the command selected by os.Args
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func newLogger(w io.Writer, level string, json bool) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// override copies a flag value over the environment value when the flag was given
func override[T any](cmd *cobra.Command, name string, flag T, target *T) {
	if cmd.Flags().Changed(name) {
		*target = flag
	}
}
