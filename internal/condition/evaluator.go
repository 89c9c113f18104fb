package condition

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"metaforge/internal/core/value"
	"metaforge/pkg/logger"
)

// Entity exposes attribute values to the evaluator. ok is false when the
// attribute is unknown to the entity.
type Entity interface {
	Value(field string) (any, bool)
}

// Mapper is implemented by entities that can hand out all of their values
// at once. Expressions need it to build their activation.
type Mapper interface {
	Values() map[string]any
}

// Snapshot is a plain map entity, used for previously persisted values.
type Snapshot map[string]any

// Value implements Entity.
func (s Snapshot) Value(field string) (any, bool) {
	v, ok := s[field]
	return v, ok
}

// Values implements Mapper.
func (s Snapshot) Values() map[string]any {
	return s
}

// Predicate is a named boolean service.
type Predicate func(e Entity) bool

// Resolver looks up named predicates.
type Resolver interface {
	Predicate(name string) (Predicate, error)
}

// Compiled is a condition bound to its services, regexes and programs.
// It is safe for concurrent use.
type Compiled struct {
	source Condition
	eval   func(ctx context.Context, cur, prev Entity) bool
}

// Source returns the tree the condition was compiled from.
func (c *Compiled) Source() Condition {
	return c.source
}

// Evaluator evaluates compiled conditions. Anything that cannot be decided
// (absent previous snapshot, unparsable comparison operands, a failing
// expression) yields false and is counted as degraded.
type Evaluator struct {
	log      *logger.Logger
	degraded atomic.Int64
}

// NewEvaluator creates an evaluator. log may be nil.
func NewEvaluator(log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Nop()
	}
	return &Evaluator{log: log.WithComponent("condition")}
}

// Degraded returns how many evaluations fell back to false.
func (e *Evaluator) Degraded() int64 {
	return e.degraded.Load()
}

// Compile validates c and binds it. A nil condition compiles to always-true.
func (e *Evaluator) Compile(c Condition, r Resolver) (*Compiled, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	fn, err := e.compile(c, r)
	if err != nil {
		return nil, err
	}
	return &Compiled{source: c, eval: fn}, nil
}

// Evaluate runs a compiled condition. A nil *Compiled is true.
func (e *Evaluator) Evaluate(ctx context.Context, c *Compiled, cur, prev Entity) bool {
	if c == nil {
		return true
	}
	return c.eval(ctx, cur, prev)
}

// Check compiles and evaluates c in one step. Intended for callers outside
// the build pipeline, such as permission checks.
func (e *Evaluator) Check(ctx context.Context, c Condition, r Resolver, cur, prev Entity) (bool, error) {
	compiled, err := e.Compile(c, r)
	if err != nil {
		return false, err
	}
	return e.Evaluate(ctx, compiled, cur, prev), nil
}

type evalFunc = func(ctx context.Context, cur, prev Entity) bool

func (e *Evaluator) compile(c Condition, r Resolver) (evalFunc, error) {
	switch n := c.(type) {
	case nil:
		return func(context.Context, Entity, Entity) bool { return true }, nil
	case Leaf:
		return e.compileLeaf(n)
	case *Leaf:
		return e.compileLeaf(*n)
	case Service:
		if r == nil {
			return nil, fmt.Errorf("no resolver for predicate %q", n.Name)
		}
		pred, err := r.Predicate(n.Name)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, cur, _ Entity) bool { return pred(cur) }, nil
	case Expr:
		prg, err := compileExpr(n.Source)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, cur, prev Entity) bool {
			return e.evalExpr(ctx, prg, n.Source, cur, prev)
		}, nil
	case All:
		children, err := e.compileEach(n, r)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, cur, prev Entity) bool {
			for _, child := range children {
				if !child(ctx, cur, prev) {
					return false
				}
			}
			return true
		}, nil
	case Any:
		children, err := e.compileEach(n, r)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, cur, prev Entity) bool {
			for _, child := range children {
				if child(ctx, cur, prev) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, fmt.Errorf("unsupported condition node %T", c)
}

func (e *Evaluator) compileEach(nodes []Condition, r Resolver) ([]evalFunc, error) {
	out := make([]evalFunc, 0, len(nodes))
	for _, n := range nodes {
		fn, err := e.compile(n, r)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func (e *Evaluator) compileLeaf(l Leaf) (evalFunc, error) {
	var re *regexp.Regexp
	if l.Operator == Matches {
		re = regexp.MustCompile(l.Value.(string))
	}
	list, _ := value.List(l.Value)

	return func(ctx context.Context, cur, prev Entity) bool {
		src := cur
		if l.Previous {
			src = prev
		}
		if src == nil {
			e.degrade(ctx, l.Field, l.Operator, "no previous snapshot")
			return false
		}
		v, _ := src.Value(l.Field)

		switch l.Operator {
		case Eq:
			return value.LooseEqual(v, l.Value)
		case NotEq:
			return !value.LooseEqual(v, l.Value)
		case In:
			return value.Contains(list, v)
		case NotIn:
			return !value.Contains(list, v)
		case Present:
			return !value.IsBlank(v)
		case Blank:
			return value.IsBlank(v)
		case Matches:
			if v == nil {
				e.degrade(ctx, l.Field, l.Operator, "absent value")
				return false
			}
			return re.MatchString(value.ToString(v))
		}

		cmp, ok := value.Compare(v, l.Value)
		if !ok {
			e.degrade(ctx, l.Field, l.Operator, "operands are not comparable")
			return false
		}
		switch l.Operator {
		case Gt:
			return cmp > 0
		case Gte:
			return cmp >= 0
		case Lt:
			return cmp < 0
		case Lte:
			return cmp <= 0
		}
		return false
	}, nil
}

func (e *Evaluator) degrade(ctx context.Context, field string, op Operator, reason string) {
	e.degraded.Add(1)
	e.log.WithContext(ctx).Debugw("condition_degraded",
		"field", field,
		"operator", string(op),
		"reason", reason,
	)
}

var (
	celOnce sync.Once
	celEnv  *cel.Env
	celErr  error
)

func exprEnv() (*cel.Env, error) {
	celOnce.Do(func() {
		celEnv, celErr = cel.NewEnv(
			cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("previous", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celErr
}

func compileExpr(src string) (cel.Program, error) {
	env, err := exprEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("expr %q: %w", src, iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expr %q must evaluate to bool, got %s", src, out)
	}
	return env.Program(ast)
}

func (e *Evaluator) evalExpr(ctx context.Context, prg cel.Program, src string, cur, prev Entity) bool {
	out, _, err := prg.Eval(map[string]any{
		"record":   activation(cur),
		"previous": activation(prev),
	})
	if err != nil {
		e.degraded.Add(1)
		e.log.WithContext(ctx).Debugw("condition_degraded", "expr", src, "reason", err.Error())
		return false
	}
	b, ok := out.Value().(bool)
	if !ok {
		e.degraded.Add(1)
		e.log.WithContext(ctx).Debugw("condition_degraded", "expr", src, "reason", "non-boolean result")
		return false
	}
	return b
}

// activation converts entity values into types CEL understands natively.
func activation(ent Entity) map[string]any {
	out := map[string]any{}
	m, ok := ent.(Mapper)
	if !ok {
		return out
	}
	for k, v := range m.Values() {
		switch x := v.(type) {
		case decimal.Decimal:
			f, _ := x.Float64()
			out[k] = f
		case int:
			out[k] = int64(x)
		case int32:
			out[k] = int64(x)
		case float32:
			out[k] = float64(x)
		case time.Time, string, bool, int64, float64, nil, []any, map[string]any:
			out[k] = x
		default:
			out[k] = value.ToString(x)
		}
	}
	return out
}
