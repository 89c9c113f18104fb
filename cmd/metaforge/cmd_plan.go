package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"metaforge/internal/compiler"
	"metaforge/internal/metadata"
)

var planCmd = &cobra.Command{
	Use:   "plan [model...]",
	Short: "Print the additive schema changes a sync would apply",
	Args:  cobra.ArbitraryArgs,
	RunE:  runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	models, err := metadata.LoadDir(cfg.MetadataDir, metadata.NewTypeCatalog())
	if err != nil {
		return err
	}
	if err := compiler.Check(ctx, models); err != nil {
		return err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	only := make(map[string]bool, len(args))
	for _, name := range args {
		only[name] = true
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	pending := 0
	for _, m := range models {
		if len(only) > 0 && !only[m.Name] {
			continue
		}
		plan, err := b.syncer.Plan(ctx, m)
		if err != nil {
			return err
		}
		if plan.Empty() {
			fmt.Fprintf(out, "-- %s (%s): in sync\n", m.Name, plan.Table)
			continue
		}
		pending++
		fmt.Fprintf(out, "-- %s (%s)\n", m.Name, plan.Table)
		for _, stmt := range plan.Statements {
			fmt.Fprintf(out, "%s;\n", stmt)
		}
	}
	if pending == 0 {
		fmt.Fprintln(out, "-- nothing to do")
	}
	return nil
}
