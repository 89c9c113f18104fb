package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"metaforge/internal/core/apperror"
	"metaforge/internal/positioning"
)

var _ positioning.Store = (*PositionStore)(nil)

// PositionStore keeps position columns dense. Entries takes a
// transaction-scoped advisory lock on the scope before reading it. Row locks
// alone would not stop a concurrent insert from taking the same position.
type PositionStore struct {
	txm     *TxManager
	builder squirrel.StatementBuilderType
}

// NewPositionStore creates a position store.
func NewPositionStore(txm *TxManager) *PositionStore {
	return &PositionStore{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// scoped restricts a statement to the rows of s. A nil scope value selects
// the rows whose scope column IS NULL.
func scoped(s positioning.Scope) squirrel.Sqlizer {
	if s.Column == "" {
		return squirrel.Expr("TRUE")
	}
	return squirrel.Eq{quote(s.Column): s.Value}
}

// scopeLockKey names the advisory lock of one scope.
func scopeLockKey(s positioning.Scope) string {
	if s.Column == "" {
		return s.Table
	}
	if s.Value == nil {
		return s.Table + ":" + s.Column + ":null"
	}
	return fmt.Sprintf("%s:%s:%v", s.Table, s.Column, s.Value)
}

// Entries implements positioning.Store.
func (p *PositionStore) Entries(ctx context.Context, s positioning.Scope) ([]positioning.Entry, error) {
	q := p.txm.GetQuerier(ctx)
	if p.txm.GetTx(ctx) != nil {
		if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", scopeLockKey(s)); err != nil {
			return nil, fmt.Errorf("lock scope %s: %w", s.Table, err)
		}
	}
	sql, args, err := p.builder.
		Select("id", fmt.Sprintf("COALESCE(%s, 0) AS position", quote(s.Field))).
		From(quote(s.Table)).
		Where(scoped(s)).
		OrderBy("position", "id").
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build entries %s: %w", s.Table, err)
	}
	var entries []positioning.Entry
	if err := pgxscan.Select(ctx, q, &entries, sql, args...); err != nil {
		return nil, mapError("entries", s.Table, err)
	}
	return entries, nil
}

// Shift implements positioning.Store.
func (p *PositionStore) Shift(ctx context.Context, s positioning.Scope, from, to, delta int, exclude int64) error {
	col := quote(s.Field)
	ub := p.builder.Update(quote(s.Table)).
		Set(col, squirrel.Expr(col+" + ?", delta)).
		Where(scoped(s)).
		Where(squirrel.GtOrEq{col: from}).
		Where(squirrel.NotEq{"id": exclude})
	if to > 0 {
		ub = ub.Where(squirrel.LtOrEq{col: to})
	}
	sql, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("build shift %s: %w", s.Table, err)
	}
	if _, err := p.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return mapError("shift", s.Table, err)
	}
	return nil
}

// SetPosition implements positioning.Store.
func (p *PositionStore) SetPosition(ctx context.Context, s positioning.Scope, id int64, pos int) error {
	sql, args, err := p.builder.Update(quote(s.Table)).
		Set(quote(s.Field), pos).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set position %s: %w", s.Table, err)
	}
	tag, err := p.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapError("set position", s.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(s.Table, id)
	}
	return nil
}
