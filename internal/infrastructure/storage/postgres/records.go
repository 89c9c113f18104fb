package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
	"metaforge/internal/records"
	"metaforge/internal/runtime"
)

var _ records.Repository = (*RecordRepository)(nil)

// PostgreSQL error codes mapped to domain errors.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
)

// RecordRepository stores records in tables named by their models. Every
// identifier is quoted, so model and field names never reach SQL raw.
type RecordRepository struct {
	txm        *TxManager
	builder    squirrel.StatementBuilderType
	nativeJSON bool
}

// NewRecordRepository creates a repository. nativeJSON must match the
// schema dialect the tables were created with.
func NewRecordRepository(txm *TxManager, nativeJSON bool) *RecordRepository {
	return &RecordRepository{
		txm:        txm,
		builder:    squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		nativeJSON: nativeJSON,
	}
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Insert implements records.Repository.
func (r *RecordRepository) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	sql := "INSERT INTO " + quote(table) + " DEFAULT VALUES RETURNING id"
	var args []any
	if len(values) > 0 {
		cols := sortedKeys(values)
		quoted := make([]string, len(cols))
		vals := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = quote(c)
			vals[i] = r.encode(values[c])
		}
		var err error
		sql, args, err = r.builder.Insert(quote(table)).
			Columns(quoted...).
			Values(vals...).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("build insert %s: %w", table, err)
		}
	}
	var id int64
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, mapError("insert", table, err)
	}
	return id, nil
}

// Update implements records.Repository.
func (r *RecordRepository) Update(ctx context.Context, table string, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	sql, args, err := r.builder.Update(quote(table)).
		SetMap(r.setMap(values)).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update %s: %w", table, err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError("update", table, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(table, id)
	}
	return nil
}

// Delete implements records.Repository.
func (r *RecordRepository) Delete(ctx context.Context, table string, id int64) error {
	sql, args, err := r.builder.Delete(quote(table)).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete %s: %w", table, err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError("delete", table, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(table, id)
	}
	return nil
}

// Get implements records.Repository.
func (r *RecordRepository) Get(ctx context.Context, table string, id int64) (map[string]any, error) {
	sql, args, err := r.builder.Select("*").From(quote(table)).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get %s: %w", table, err)
	}
	var row map[string]any
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(table, id)
		}
		return nil, mapError("get", table, err)
	}
	return normalizeRow(row), nil
}

// Select implements records.Repository. Rows with equal order keys come
// back in id order.
func (r *RecordRepository) Select(ctx context.Context, table string, q runtime.Query) ([]map[string]any, error) {
	sb := r.builder.Select("*").From(quote(table))
	sb = applyFilters(sb, q)
	for _, o := range q.Order {
		dir := " ASC NULLS FIRST"
		if o.Desc {
			dir = " DESC NULLS LAST"
		}
		sb = sb.OrderBy(quote(o.Field) + dir)
	}
	sb = sb.OrderBy("id ASC")
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}

	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select %s: %w", table, err)
	}
	var rows []map[string]any
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, mapError("select", table, err)
	}
	for i := range rows {
		rows[i] = normalizeRow(rows[i])
	}
	return rows, nil
}

// Count implements records.Repository.
func (r *RecordRepository) Count(ctx context.Context, table string, q runtime.Query) (int64, error) {
	sql, args, err := applyFilters(r.builder.Select("COUNT(*)").From(quote(table)), q).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count %s: %w", table, err)
	}
	var n int64
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, mapError("count", table, err)
	}
	return n, nil
}

// UpdateWhere implements records.Repository.
func (r *RecordRepository) UpdateWhere(ctx context.Context, table string, q runtime.Query, values map[string]any) (int64, error) {
	ub := r.builder.Update(quote(table)).SetMap(r.setMap(values))
	if eq := where(q.Where); len(eq) > 0 {
		ub = ub.Where(eq)
	}
	for _, cond := range whereNot(q.WhereNot) {
		ub = ub.Where(cond)
	}
	sql, args, err := ub.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update %s: %w", table, err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapError("update", table, err)
	}
	return tag.RowsAffected(), nil
}

// Increment implements records.Repository.
func (r *RecordRepository) Increment(ctx context.Context, table string, id int64, column string, delta int64) error {
	col := quote(column)
	sql, args, err := r.builder.Update(quote(table)).
		Set(col, squirrel.Expr("COALESCE("+col+", 0) + ?", delta)).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build increment %s: %w", table, err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError("increment", table, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(table, id)
	}
	return nil
}

func (r *RecordRepository) setMap(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[quote(k)] = r.encode(v)
	}
	return out
}

// encode prepares a value for a parameter. Structured values go to JSON;
// with native JSON columns pgx does that itself.
func (r *RecordRepository) encode(v any) any {
	switch v.(type) {
	case map[string]any, []any, []runtime.Attachment, runtime.Attachment:
		if r.nativeJSON {
			return v
		}
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}

func applyFilters(sb squirrel.SelectBuilder, q runtime.Query) squirrel.SelectBuilder {
	if eq := where(q.Where); len(eq) > 0 {
		sb = sb.Where(eq)
	}
	for _, cond := range whereNot(q.WhereNot) {
		sb = sb.Where(cond)
	}
	return sb
}

// where turns equality filters into squirrel.Eq: a slice becomes IN and nil
// becomes IS NULL.
func where(conds map[string]any) squirrel.Eq {
	if len(conds) == 0 {
		return nil
	}
	eq := make(squirrel.Eq, len(conds))
	for k, v := range conds {
		if list, ok := value.List(v); ok {
			v = list
		}
		eq[quote(k)] = v
	}
	return eq
}

// whereNot negates each filter. NULL rows count as "not equal" to a
// concrete value, matching the in-memory store.
func whereNot(conds map[string]any) []squirrel.Sqlizer {
	out := make([]squirrel.Sqlizer, 0, len(conds))
	for _, k := range sortedKeys(conds) {
		col := quote(k)
		v := conds[k]
		if list, ok := value.List(v); ok {
			v = list
		}
		if v == nil {
			out = append(out, squirrel.NotEq{col: nil})
			continue
		}
		out = append(out, squirrel.Or{squirrel.NotEq{col: v}, squirrel.Eq{col: nil}})
	}
	return out
}

// normalizeRow converts driver types to the values the runtime works with.
func normalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		switch x := v.(type) {
		case pgtype.Numeric:
			if !x.Valid {
				row[k] = nil
				continue
			}
			if dv, err := x.Value(); err == nil {
				if s, ok := dv.(string); ok {
					if d, err := decimal.NewFromString(s); err == nil {
						row[k] = d
					}
				}
			}
		case int32:
			row[k] = int64(x)
		case int16:
			row[k] = int64(x)
		case float32:
			row[k] = float64(x)
		}
	}
	return row
}

func mapError(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKeyViolation:
			return apperror.NewConflict("record is still referenced").
				WithDetail("table", table).
				WithDetail("constraint", pgErr.ConstraintName).
				WithCause(err)
		case codeUniqueViolation:
			return apperror.NewConflict(fmt.Sprintf("duplicate key value violates unique constraint %q", pgErr.ConstraintName)).
				WithDetail("table", table).
				WithCause(err)
		}
	}
	return apperror.NewDatabase(op+" "+table, err)
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
