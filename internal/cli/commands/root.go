// Package commands implements the rewind CLI.
package commands

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rewind/internal/config"
	"rewind/internal/snapshot"
	"rewind/internal/worktree"
)

var (
	storeDir string
	logLevel string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rewind",
	Short: "Checkpoint snapshot engine for agent coding sessions",
	Long: `rewind captures the full file-tree state of a working project at each
conversation turn, stores it in a content-addressed blob store, and exposes a
branchable checkpoint history that can be restored, diffed and visualized.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.Load(storeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := logLevel
		if level == "" {
			level = cfg.Settings.LogLevel
		}
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		log.SetLevel(parsed)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "Checkpoint store directory (default ~/.rewind)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// openService builds the snapshot service from the loaded config. Callers
// own the returned service and must Close it.
func openService() (*snapshot.Service, error) {
	svc, err := snapshot.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return svc, nil
}

// scanOptions returns the worktree scan options from settings.
func scanOptions() worktree.ScanOptions {
	return worktree.ScanOptions{
		MaxFileSize:    cfg.Settings.MaxFileSize,
		IgnorePatterns: cfg.Settings.IgnorePatterns,
	}
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
