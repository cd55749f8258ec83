// Package cli implements the counseld command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amazinernest/counsellhelp/internal/config"
	"github.com/amazinernest/counsellhelp/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	envFile  string
	logLevel string
	cfg      *config.Config
}

// NewRootCommand builds the counseld command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "counseld",
		Short: "Counseling marketplace chat, notification and session ledger service",
		Long: `counseld runs the counseling marketplace backend.

It stores conversations and messages, routes in-app notifications over a
websocket change feed, and keeps the paid session ledger that gates chat.

Quick Start:
  counseld migrate                      # create or upgrade the database
  counseld serve                        # run the HTTP API and feed
  counseld token --user u1              # issue a bearer token
  counseld tail --token $T --collection notifications --filter user_id=eq.u1`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if opts.envFile != "" {
				files = append(files, opts.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if err := logger.Initialize(cfg.LogLevel); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment from this file (default .env)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSweepCommand(opts),
		newSessionCommand(opts),
		newTokenCommand(opts),
		newTailCommand(opts),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
