// Package positioning keeps a dense 1-based order over the rows of a table,
// optionally partitioned by a scope column. Every operation runs inside the
// transaction carried by ctx; the store is expected to lock the scope rows
// it reads so that concurrent reorders serialize.
package positioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/tx"
	"metaforge/internal/core/value"
	"metaforge/internal/runtime"
	"metaforge/pkg/logger"
)

var tracer = otel.Tracer("metaforge/positioning")

// Scope identifies one ordering partition. Column is empty for an
// unscoped table; a nil Value selects the rows where Column IS NULL.
type Scope struct {
	Table  string
	Field  string
	Column string
	Value  any
}

// Entry is one row of a scope.
type Entry struct {
	ID       int64 `db:"id"`
	Position int   `db:"position"`
}

// Store is the storage collaborator.
type Store interface {
	// Entries returns the scope rows ordered by position, then id, and
	// locks them until the transaction ends.
	Entries(ctx context.Context, s Scope) ([]Entry, error)
	// Shift adds delta to the position of every row with from <= position
	// and, when to > 0, position <= to. Row exclude is left alone.
	Shift(ctx context.Context, s Scope, from, to, delta int, exclude int64) error
	// SetPosition writes one row's position.
	SetPosition(ctx context.Context, s Scope, id int64, pos int) error
}

// MoveRequest asks for a new position. Exactly one of To, After and Before
// is set. ListVersion, when given, must match the current scope version.
type MoveRequest struct {
	To          int
	After       int64
	Before      int64
	ListVersion string
}

func (r MoveRequest) validate() error {
	set := 0
	if r.To != 0 {
		set++
	}
	if r.After != 0 {
		set++
	}
	if r.Before != 0 {
		set++
	}
	if set != 1 {
		return apperror.NewValidation("move needs exactly one of to, after or before")
	}
	return nil
}

// Version fingerprints an ordering: the hex sha256 of the ordered ids.
func Version(entries []Entry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = strconv.FormatInt(e.ID, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// Positioner implements create, destroy, update and move over a Store.
type Positioner struct {
	store Store
	txm   tx.Manager
}

// New creates a positioner.
func New(store Store, txm tx.Manager) *Positioner {
	return &Positioner{store: store, txm: txm}
}

// ScopeOf returns the current scope of rec.
func ScopeOf(t *runtime.Type, rec *runtime.Record) Scope {
	p := t.Positioning()
	return Scope{Table: t.Table(), Field: p.Field, Column: p.ScopeColumn, Value: p.ScopeValue(rec)}
}

// ScopeFor builds a scope from an explicit partition value.
func ScopeFor(t *runtime.Type, scopeValue any) Scope {
	p := t.Positioning()
	return Scope{Table: t.Table(), Field: p.Field, Column: p.ScopeColumn, Value: scopeValue}
}

// ListVersion computes the current version of a scope.
func (p *Positioner) ListVersion(ctx context.Context, s Scope) (string, error) {
	entries, err := p.store.Entries(ctx, s)
	if err != nil {
		return "", fmt.Errorf("list scope %s: %w", s.Table, err)
	}
	return Version(entries), nil
}

// BeforeCreate assigns the position of a new record. A supplied position is
// an insertion request, clamped to [1, n+1]; otherwise the record goes last.
func (p *Positioner) BeforeCreate(ctx context.Context, t *runtime.Type, rec *runtime.Record) error {
	s := ScopeOf(t, rec)
	pos, err := p.insert(ctx, s, rec, 0)
	if err != nil {
		return err
	}
	rec.Set(s.Field, pos)
	return nil
}

func (p *Positioner) insert(ctx context.Context, s Scope, rec *runtime.Record, exclude int64) (int, error) {
	entries, err := p.store.Entries(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("list scope %s: %w", s.Table, err)
	}
	n := 0
	for _, e := range entries {
		if e.ID != exclude {
			n++
		}
	}
	if !rec.Supplied(s.Field) || rec.Get(s.Field) == nil {
		return n + 1, nil
	}
	want, _ := value.ToInt64(rec.Get(s.Field))
	pos := clamp(int(want), 1, n+1)
	if pos <= n {
		if err := p.store.Shift(ctx, s, pos, 0, +1, exclude); err != nil {
			return 0, fmt.Errorf("shift %s: %w", s.Table, err)
		}
	}
	return pos, nil
}

// Gap is the slot a record held before it was deleted.
type Gap struct {
	Scope    Scope
	ID       int64
	Position int // 0 when the row was not found in its scope
}

// BeforeDestroy locks the scope of stored, the row as it is persisted, and
// reads the position the row holds right now. The result is handed to
// AfterDestroy once the row is deleted.
func (p *Positioner) BeforeDestroy(ctx context.Context, t *runtime.Type, stored *runtime.Record) (Gap, error) {
	g := Gap{Scope: ScopeOf(t, stored), ID: stored.ID()}
	entries, err := p.store.Entries(ctx, g.Scope)
	if err != nil {
		return g, fmt.Errorf("list scope %s: %w", g.Scope.Table, err)
	}
	if i := indexOf(entries, g.ID); i >= 0 {
		g.Position = entries[i].Position
	}
	return g, nil
}

// AfterDestroy closes the gap left by a deleted record.
func (p *Positioner) AfterDestroy(ctx context.Context, g Gap) error {
	if g.Position <= 0 {
		return nil
	}
	if err := p.store.Shift(ctx, g.Scope, g.Position+1, 0, -1, g.ID); err != nil {
		return fmt.Errorf("close gap in %s: %w", g.Scope.Table, err)
	}
	return nil
}

// BeforeUpdate handles a scope change or an assigned position. stored is
// the row as it is persisted, loaded in the same transaction; positions
// are always taken from storage, never from what rec saw when it was
// loaded. A record moving to another scope leaves a closed gap behind and
// is inserted into the new scope at its requested position or last.
func (p *Positioner) BeforeUpdate(ctx context.Context, t *runtime.Type, rec, stored *runtime.Record) error {
	pos := t.Positioning()
	old := ScopeOf(t, stored)
	s := ScopeOf(t, rec)
	scopeChanged := pos.ScopeColumn != "" && rec.Changed(pos.ScopeColumn) &&
		!value.LooseEqual(old.Value, s.Value)

	if scopeChanged {
		gap, err := p.BeforeDestroy(ctx, t, stored)
		if err != nil {
			return err
		}
		if err := p.AfterDestroy(ctx, gap); err != nil {
			return err
		}
		if !rec.Changed(pos.Field) {
			rec.Set(pos.Field, nil)
		}
		at, err := p.insert(ctx, s, rec, rec.ID())
		if err != nil {
			return err
		}
		return p.place(ctx, s, rec, at)
	}

	if !rec.Changed(pos.Field) {
		return nil
	}
	want, ok := value.ToInt64(rec.Get(pos.Field))
	if !ok {
		rec.Set(pos.Field, stored.Get(pos.Field))
		return nil
	}
	at, err := p.moveTo(ctx, old, rec.ID(), int(want))
	if err != nil {
		return err
	}
	return p.place(ctx, old, rec, at)
}

// place records the final position on rec and writes it, so the row is
// right even when rec's change tracking sees no difference.
func (p *Positioner) place(ctx context.Context, s Scope, rec *runtime.Record, at int) error {
	rec.Set(s.Field, at)
	if err := p.store.SetPosition(ctx, s, rec.ID(), at); err != nil {
		return fmt.Errorf("set position in %s: %w", s.Table, err)
	}
	return nil
}

// Move repositions a persisted record and returns its new position. The
// version check and the shifts run in one transaction.
func (p *Positioner) Move(ctx context.Context, t *runtime.Type, rec *runtime.Record, req MoveRequest) (int, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	if rec.IsNew() {
		return 0, apperror.NewValidation("cannot move an unsaved record")
	}
	ctx, span := tracer.Start(ctx, "positioning.Move",
		trace.WithAttributes(attribute.String("table", t.Table()), attribute.Int64("id", rec.ID())))
	defer span.End()
	ctx = logger.WithModel(ctx, t.Name())

	s := ScopeOf(t, rec)
	var at int
	err := p.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		entries, err := p.store.Entries(ctx, s)
		if err != nil {
			return fmt.Errorf("list scope %s: %w", s.Table, err)
		}
		if req.ListVersion != "" {
			if actual := Version(entries); actual != req.ListVersion {
				return apperror.NewPositionConflict(t.Name(), req.ListVersion, actual)
			}
		}

		cur := indexOf(entries, rec.ID())
		if cur < 0 {
			return apperror.NewNotFound(t.Name(), rec.ID())
		}
		target := req.To
		if req.After != 0 || req.Before != 0 {
			anchor := req.After
			if anchor == 0 {
				anchor = req.Before
			}
			x := indexOf(entries, anchor)
			if x < 0 {
				return apperror.NewNotFound(t.Name(), anchor)
			}
			if anchor == rec.ID() {
				at = entries[cur].Position
				return nil
			}
			xp := entries[x].Position
			if entries[x].Position > entries[cur].Position {
				xp--
			}
			target = xp
			if req.After != 0 {
				target = xp + 1
			}
		}
		at, err = p.shiftAround(ctx, s, entries, cur, target)
		if err != nil {
			return err
		}
		return p.store.SetPosition(ctx, s, rec.ID(), at)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	logger.Debug(ctx, "record moved", "id", rec.ID(), "position", at)
	return at, nil
}

// moveTo shifts neighbours for a record already in scope s. The caller
// writes the final position.
func (p *Positioner) moveTo(ctx context.Context, s Scope, id int64, target int) (int, error) {
	entries, err := p.store.Entries(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("list scope %s: %w", s.Table, err)
	}
	cur := indexOf(entries, id)
	if cur < 0 {
		return clamp(target, 1, len(entries)+1), nil
	}
	return p.shiftAround(ctx, s, entries, cur, target)
}

func (p *Positioner) shiftAround(ctx context.Context, s Scope, entries []Entry, cur, target int) (int, error) {
	from := entries[cur].Position
	to := clamp(target, 1, len(entries))
	id := entries[cur].ID
	var err error
	switch {
	case to > from:
		err = p.store.Shift(ctx, s, from+1, to, -1, id)
	case to < from:
		err = p.store.Shift(ctx, s, to, from-1, +1, id)
	}
	if err != nil {
		return 0, fmt.Errorf("shift %s: %w", s.Table, err)
	}
	return to, nil
}

func indexOf(entries []Entry, id int64) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
