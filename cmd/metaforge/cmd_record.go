package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"metaforge/internal/compiler"
	"metaforge/internal/positioning"
	"metaforge/internal/records"
	"metaforge/internal/runtime"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Create, inspect, reorder and delete records of a compiled model",
	Long: `Works against the configured database. Without one the in-memory store
only lives for the duration of the command, which is still useful to try
defaults, validations and computed fields.`,
}

var (
	recordData    string
	recordScope   string
	recordWhere   []string
	recordLimit   int
	moveTo        int
	moveAfter     int64
	moveBefore    int64
	moveVersion   string
	versionParent string
)

func init() {
	recordCreateCmd.Flags().StringVar(&recordData, "data", "{}", "attributes as a JSON object")
	recordUpdateCmd.Flags().StringVar(&recordData, "data", "{}", "attributes as a JSON object")
	recordListCmd.Flags().StringVar(&recordScope, "scope", "", "named scope to apply")
	recordListCmd.Flags().StringSliceVar(&recordWhere, "where", nil, "field=value equality filters")
	recordListCmd.Flags().IntVar(&recordLimit, "limit", 0, "maximum number of records")
	recordMoveCmd.Flags().IntVar(&moveTo, "to", 0, "target position (1-based)")
	recordMoveCmd.Flags().Int64Var(&moveAfter, "after", 0, "place after this record id")
	recordMoveCmd.Flags().Int64Var(&moveBefore, "before", 0, "place before this record id")
	recordMoveCmd.Flags().StringVar(&moveVersion, "version", "", "expected list version")
	recordVersionCmd.Flags().StringVar(&versionParent, "scope-value", "", "value of the positioning scope column")

	recordCmd.AddCommand(recordCreateCmd, recordUpdateCmd, recordShowCmd, recordListCmd,
		recordMoveCmd, recordDestroyCmd, recordVersionCmd)
}

var recordCreateCmd = &cobra.Command{
	Use:   "create MODEL",
	Short: "Create a record from JSON attributes",
	Args:  cobra.ExactArgs(1),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		params, err := parseData(recordData)
		if err != nil {
			return err
		}
		rec, rejected, err := svc.New(ctx, args[0], params)
		if err != nil {
			return err
		}
		warnRejected(out, rejected)
		if err := svc.Create(ctx, rec); err != nil {
			return err
		}
		return printRecords(out, rec)
	}),
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update MODEL ID",
	Short: "Assign JSON attributes to a record and save it",
	Args:  cobra.ExactArgs(2),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		recID, err := parseID(args[1])
		if err != nil {
			return err
		}
		params, err := parseData(recordData)
		if err != nil {
			return err
		}
		rec, err := svc.Find(ctx, args[0], recID)
		if err != nil {
			return err
		}
		warnRejected(out, rec.Type().Assign(rec, params))
		if err := svc.Update(ctx, rec); err != nil {
			return err
		}
		return printRecords(out, rec)
	}),
}

var recordShowCmd = &cobra.Command{
	Use:   "show MODEL ID",
	Short: "Print one record",
	Args:  cobra.ExactArgs(2),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		recID, err := parseID(args[1])
		if err != nil {
			return err
		}
		rec, err := svc.Find(ctx, args[0], recID)
		if err != nil {
			return err
		}
		return printRecords(out, rec)
	}),
}

var recordListCmd = &cobra.Command{
	Use:   "list MODEL",
	Short: "List records, optionally through a named scope",
	Args:  cobra.ExactArgs(1),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		q := runtime.Query{Limit: recordLimit}
		for _, cond := range recordWhere {
			field, val, ok := strings.Cut(cond, "=")
			if !ok {
				return fmt.Errorf("--where %q: expected field=value", cond)
			}
			q = q.Eq(field, parseScalar(val))
		}
		recs, err := svc.List(ctx, args[0], recordScope, q)
		if err != nil {
			return err
		}
		return printRecords(out, recs...)
	}),
}

var recordMoveCmd = &cobra.Command{
	Use:   "move MODEL ID",
	Short: "Reposition a record within its list",
	Args:  cobra.ExactArgs(2),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		recID, err := parseID(args[1])
		if err != nil {
			return err
		}
		rec, err := svc.Move(ctx, args[0], recID, positioning.MoveRequest{
			To:          moveTo,
			After:       moveAfter,
			Before:      moveBefore,
			ListVersion: moveVersion,
		})
		if err != nil {
			return err
		}
		return printRecords(out, rec)
	}),
}

var recordDestroyCmd = &cobra.Command{
	Use:   "destroy MODEL ID",
	Short: "Delete a record and apply its dependent rules",
	Args:  cobra.ExactArgs(2),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		recID, err := parseID(args[1])
		if err != nil {
			return err
		}
		rec, err := svc.Find(ctx, args[0], recID)
		if err != nil {
			return err
		}
		if err := svc.Destroy(ctx, rec); err != nil {
			return err
		}
		fmt.Fprintf(out, "destroyed %s %d\n", args[0], recID)
		return nil
	}),
}

var recordVersionCmd = &cobra.Command{
	Use:   "list-version MODEL",
	Short: "Print the version token of a positioned list",
	Args:  cobra.ExactArgs(1),
	RunE: withRecords(func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error {
		var scope any
		if versionParent != "" {
			scope = parseScalar(versionParent)
		}
		v, err := svc.ListVersion(ctx, args[0], scope)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	}),
}

type recordAction func(ctx context.Context, svc *records.Service, out io.Writer, args []string) error

// withRecords opens the backend, compiles the definitions and hands a
// record service to fn.
func withRecords(fn recordAction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		var c *compiler.Compiler
		if c, _, err = load(ctx, b); err != nil {
			return err
		}
		return fn(ctx, b.records(c), cmd.OutOrStdout(), args)
	}
}

func parseData(raw string) (map[string]any, error) {
	var params map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("--data: %w", err)
	}
	for k, v := range params {
		params[k] = numbers(v)
	}
	return params, nil
}

// numbers turns json.Number into int64 or decimal so integer and decimal
// fields keep their precision.
func numbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return d
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = numbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = numbers(e)
		}
	}
	return v
}

func parseID(raw string) (int64, error) {
	recID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || recID <= 0 {
		return 0, fmt.Errorf("invalid record id %q", raw)
	}
	return recID, nil
}

// parseScalar reads integers and booleans, everything else stays a string.
func parseScalar(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func warnRejected(out io.Writer, rejected []string) {
	if len(rejected) > 0 {
		fmt.Fprintf(out, "ignored attributes: %s\n", strings.Join(rejected, ", "))
	}
}

func printRecords(out io.Writer, recs ...*runtime.Record) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, rec := range recs {
		if err := enc.Encode(rec.Values()); err != nil {
			return err
		}
	}
	return nil
}
