package schema

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/tx"
	"metaforge/internal/metadata"
	"metaforge/pkg/logger"
)

var tracer = otel.Tracer("metaforge/schema")

// ReasonSchema tags BUILD_ERRORs raised by the synchronizer.
const ReasonSchema = "SCHEMA"

// Catalog is the storage collaborator. Apply runs inside the transaction
// carried by ctx and must only execute additive changes.
type Catalog interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Columns(ctx context.Context, table string) ([]string, error)
	Indexes(ctx context.Context, table string) ([]string, error)
	Apply(ctx context.Context, plan Plan) error
}

// Plan is the additive change set for one table.
type Plan struct {
	Table      string
	Create     bool
	Columns    []Column // every column when Create, else only the added ones
	Indexes    []Index
	Statements []string
}

// Empty reports a table already in sync.
func (p Plan) Empty() bool {
	return !p.Create && len(p.Columns) == 0 && len(p.Indexes) == 0
}

// Synchronizer computes and applies plans.
type Synchronizer struct {
	catalog Catalog
	txm     tx.Manager
	dialect Dialect
}

// New creates a synchronizer. txm may be tx.Passthrough for catalogs that
// apply plans atomically on their own.
func New(catalog Catalog, txm tx.Manager, dialect Dialect) *Synchronizer {
	return &Synchronizer{catalog: catalog, txm: txm, dialect: dialect}
}

// Plan diffs the model against the catalog without changing anything.
func (s *Synchronizer) Plan(ctx context.Context, m *metadata.Model) (Plan, error) {
	cols, indexes, err := Desired(m, s.dialect)
	if err != nil {
		return Plan{}, apperror.NewBuild(m.Name, ReasonSchema, err.Error()).WithCause(err)
	}
	plan := Plan{Table: m.Table}

	exists, err := s.catalog.TableExists(ctx, m.Table)
	if err != nil {
		return Plan{}, s.fail(m, "inspect table", err)
	}

	if !exists {
		plan.Create = true
		plan.Columns = cols
		plan.Indexes = indexes
		plan.Statements = append(plan.Statements, CreateTableSQL(m.Table, cols))
		for _, idx := range indexes {
			plan.Statements = append(plan.Statements, CreateIndexSQL(m.Table, idx))
		}
		return plan, nil
	}

	existing, err := s.catalog.Columns(ctx, m.Table)
	if err != nil {
		return Plan{}, s.fail(m, "inspect columns", err)
	}
	have := toSet(existing)
	for _, c := range cols {
		if _, ok := have[c.Name]; ok {
			continue
		}
		plan.Columns = append(plan.Columns, c)
		plan.Statements = append(plan.Statements, AddColumnSQL(m.Table, c))
	}

	existingIdx, err := s.catalog.Indexes(ctx, m.Table)
	if err != nil {
		return Plan{}, s.fail(m, "inspect indexes", err)
	}
	haveIdx := toSet(existingIdx)
	for _, idx := range indexes {
		if _, ok := haveIdx[idx.Name]; ok {
			continue
		}
		plan.Indexes = append(plan.Indexes, idx)
		plan.Statements = append(plan.Statements, CreateIndexSQL(m.Table, idx))
	}
	return plan, nil
}

// EnsureTable plans and applies in one transaction. A failing statement
// rolls the whole plan back and surfaces as a BUILD_ERROR.
func (s *Synchronizer) EnsureTable(ctx context.Context, m *metadata.Model) (Plan, error) {
	ctx, span := tracer.Start(ctx, "schema.EnsureTable",
		trace.WithAttributes(
			attribute.String("model", m.Name),
			attribute.String("table", m.Table),
		))
	defer span.End()
	ctx = logger.WithModel(ctx, m.Name)

	var plan Plan
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		plan, err = s.Plan(ctx, m)
		if err != nil {
			return err
		}
		if plan.Empty() {
			return nil
		}
		if err := s.catalog.Apply(ctx, plan); err != nil {
			return s.fail(m, "apply ddl", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Plan{}, err
	}

	if plan.Empty() {
		logger.Debug(ctx, "schema in sync", "table", m.Table)
	} else {
		logger.Info(ctx, "schema synced",
			"table", m.Table,
			"created", plan.Create,
			"columns", len(plan.Columns),
			"indexes", len(plan.Indexes),
		)
	}
	return plan, nil
}

func (s *Synchronizer) fail(m *metadata.Model, op string, err error) error {
	if apperror.IsBuild(err) {
		return err
	}
	return apperror.NewBuild(m.Name, ReasonSchema, fmt.Sprintf("%s on %s failed", op, m.Table)).WithCause(err)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
