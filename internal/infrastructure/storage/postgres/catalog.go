package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"metaforge/internal/schema"
	"metaforge/pkg/logger"
)

var _ schema.Catalog = (*Catalog)(nil)

// Catalog reads the physical schema from information_schema and applies
// additive plans. Reads and writes go through the transaction in ctx.
type Catalog struct {
	txm *TxManager
}

// NewCatalog creates a catalog.
func NewCatalog(txm *TxManager) *Catalog {
	return &Catalog{txm: txm}
}

// TableExists implements schema.Catalog.
func (c *Catalog) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := c.txm.GetQuerier(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return exists, nil
}

// Columns implements schema.Catalog.
func (c *Catalog) Columns(ctx context.Context, table string) ([]string, error) {
	var cols []string
	err := pgxscan.Select(ctx, c.txm.GetQuerier(ctx), &cols, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	return cols, nil
}

// Indexes implements schema.Catalog.
func (c *Catalog) Indexes(ctx context.Context, table string) ([]string, error) {
	var names []string
	err := pgxscan.Select(ctx, c.txm.GetQuerier(ctx), &names, `
		SELECT indexname FROM pg_indexes
		WHERE schemaname = current_schema() AND tablename = $1
		ORDER BY indexname`, table)
	if err != nil {
		return nil, fmt.Errorf("indexes %s: %w", table, err)
	}
	return names, nil
}

// Apply implements schema.Catalog. A transaction-scoped advisory lock keyed
// by table name serializes concurrent synchronizers across processes.
func (c *Catalog) Apply(ctx context.Context, plan schema.Plan) error {
	q := c.txm.GetQuerier(ctx)
	if c.txm.GetTx(ctx) != nil {
		if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", plan.Table); err != nil {
			return fmt.Errorf("lock %s: %w", plan.Table, err)
		}
	}
	for _, stmt := range plan.Statements {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", plan.Table, err)
		}
		logger.Debug(ctx, "schema statement applied", "table", plan.Table, "sql", stmt)
	}
	return nil
}
