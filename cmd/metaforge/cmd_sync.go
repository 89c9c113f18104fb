package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply additive schema changes and build every model",
	Long: `Compiles the metadata directory against the configured storage. Tables
and columns are created as needed; nothing is ever dropped. With PostgreSQL,
running processes are told to reload once the sync succeeds.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	_, res, err := load(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d models in %s: %s\n",
		len(res.Models), res.Duration.Round(time.Millisecond), strings.Join(res.Models, ", "))

	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, b.pool, res.Version); err != nil {
			return err
		}
	}
	return nil
}
