// Package main is the metaforge command line: it lints, plans, synchronizes
// and serves metadata-driven models.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"metaforge/internal/config"
	"metaforge/pkg/logger"
)

var (
	configPath string
	cfg        config.Config
	log        *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "metaforge",
	Short:         "Compile model definitions into runtime types backed by a database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		log, err = logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Development})
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		cmd.SetContext(logger.WithLogger(cmd.Context(), log))
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.String("database-url", "", "PostgreSQL URL (empty: in-memory storage)")
	flags.StringP("metadata-dir", "d", "", "directory of model definition files")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("dev", false, "development logging")
	flags.Bool("json-native", true, "store json fields as jsonb")

	rootCmd.AddCommand(lintCmd, planCmd, syncCmd, runCmd, recordCmd)
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("database-url") {
		c.DatabaseURL, err = flags.GetString("database-url")
	}
	if err == nil && flags.Changed("metadata-dir") {
		c.MetadataDir, err = flags.GetString("metadata-dir")
	}
	if err == nil && flags.Changed("log-level") {
		c.LogLevel, err = flags.GetString("log-level")
	}
	if err == nil && flags.Changed("dev") {
		c.Development, err = flags.GetBool("dev")
	}
	if err == nil && flags.Changed("json-native") {
		c.JSONNative, err = flags.GetBool("json-native")
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if log != nil {
			_ = log.Sync()
		}
		os.Exit(1)
	}
	if log != nil {
		_ = log.Sync()
	}
}
