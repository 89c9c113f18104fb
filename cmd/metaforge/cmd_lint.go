package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"metaforge/internal/compiler"
	"metaforge/internal/metadata"
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate model definitions without touching storage",
	Long: `Loads every model file under the metadata directory, validates each
definition and checks the references between them.`,
	Args: cobra.NoArgs,
	RunE: runLint,
}

func runLint(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	models, err := metadata.LoadDir(cfg.MetadataDir, metadata.NewTypeCatalog())
	if err != nil {
		return err
	}
	err = compiler.Check(cmd.Context(), models)
	if err == nil {
		fmt.Fprintf(out, "OK: %d models in %s\n", len(models), cfg.MetadataDir)
		return nil
	}

	issues := splitJoined(err)
	for _, issue := range issues {
		fmt.Fprintf(out, "ERROR: %s\n", issue)
	}
	return fmt.Errorf("%d problems found", len(issues))
}

// splitJoined flattens errors.Join trees into one message per leaf.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitJoined(e)...)
		}
		return out
	}
	return strings.Split(err.Error(), "\n")
}
