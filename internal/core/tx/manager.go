// Package tx defines the transaction boundary used by the record service,
// the schema synchronizer and the positioning engine.
package tx

import (
	"context"
)

// Manager runs fn inside a storage transaction carried by ctx.
//
// Postgres and the in-memory store both implement it. Nested calls
// reuse the transaction already present in ctx, so a move that closes
// a gap and dispatches events commits or rolls back as one unit.
type Manager interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// RunInTransaction calls f(ctx, fn).
func (f ManagerFunc) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Passthrough runs fn without any transaction. Useful for catalogs that
// apply changes atomically on their own and for tests.
var Passthrough Manager = ManagerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
