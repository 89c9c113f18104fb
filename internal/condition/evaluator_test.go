package condition

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"metaforge/pkg/logger"
)

type predicates map[string]Predicate

func (p predicates) Predicate(name string) (Predicate, error) {
	if fn, ok := p[name]; ok {
		return fn, nil
	}
	return nil, errors.New("unknown predicate " + name)
}

func TestEvaluate_Leaves(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)
	rec := Snapshot{
		"status":   "open",
		"priority": 3,
		"due":      "2024-03-01",
		"title":    "  ",
		"code":     "AB-12",
		"count":    "7",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Leaf{Field: "status", Operator: Eq, Value: "open"}, true},
		{"eq coerces number to string", Leaf{Field: "count", Operator: Eq, Value: 7}, true},
		{"not_eq", Leaf{Field: "status", Operator: NotEq, Value: "closed"}, true},
		{"in", Leaf{Field: "status", Operator: In, Value: []any{"open", "pending"}}, true},
		{"not_in", Leaf{Field: "status", Operator: NotIn, Value: []any{"open"}}, false},
		{"gt number", Leaf{Field: "priority", Operator: Gt, Value: 2}, true},
		{"lte number", Leaf{Field: "priority", Operator: Lte, Value: 3}, true},
		{"lt date", Leaf{Field: "due", Operator: Lt, Value: "2024-04-01"}, true},
		{"blank whitespace", Leaf{Field: "title", Operator: Blank}, true},
		{"present absent", Leaf{Field: "missing", Operator: Present}, false},
		{"matches", Leaf{Field: "code", Operator: Matches, Value: `^[A-Z]{2}-\d+$`}, true},
		{"all", All{
			Leaf{Field: "status", Operator: Eq, Value: "open"},
			Leaf{Field: "priority", Operator: Gte, Value: 3},
		}, true},
		{"any", Any{
			Leaf{Field: "status", Operator: Eq, Value: "closed"},
			Leaf{Field: "priority", Operator: Gt, Value: 1},
		}, true},
		{"empty all", All{}, true},
		{"empty any", Any{}, false},
		{"expr", Expr{Source: `record.status == "open" && record.priority > 2`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := e.Compile(tt.cond, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Evaluate(ctx, compiled, rec, nil))
		})
	}
	assert.Zero(t, e.Degraded())
}

func TestEvaluate_DegradesToFalse(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEvaluator(logger.Wrap(zap.New(core)))
	ctx := context.Background()
	rec := Snapshot{"priority": "high"}

	gt, err := e.Compile(Leaf{Field: "priority", Operator: Gt, Value: 2}, nil)
	require.NoError(t, err)
	assert.False(t, e.Evaluate(ctx, gt, rec, nil))

	prev, err := e.Compile(Leaf{Field: "priority", Operator: Eq, Value: "low", Previous: true}, nil)
	require.NoError(t, err)
	assert.False(t, e.Evaluate(ctx, prev, rec, nil))

	assert.EqualValues(t, 2, e.Degraded())
	assert.Equal(t, 2, logs.FilterMessage("condition_degraded").Len())
}

func TestEvaluate_Previous(t *testing.T) {
	e := NewEvaluator(nil)
	c, err := e.Compile(All{
		Leaf{Field: "status", Operator: Eq, Value: "open", Previous: true},
		Leaf{Field: "status", Operator: Eq, Value: "done"},
	}, nil)
	require.NoError(t, err)

	assert.True(t, e.Evaluate(context.Background(), c, Snapshot{"status": "done"}, Snapshot{"status": "open"}))
	assert.False(t, e.Evaluate(context.Background(), c, Snapshot{"status": "done"}, Snapshot{"status": "done"}))
}

func TestCompile_ServicePredicate(t *testing.T) {
	e := NewEvaluator(nil)
	r := predicates{"is_vip": func(ent Entity) bool {
		v, _ := ent.Value("tier")
		return v == "gold"
	}}

	c, err := e.Compile(Service{Name: "is_vip"}, r)
	require.NoError(t, err)
	assert.True(t, e.Evaluate(context.Background(), c, Snapshot{"tier": "gold"}, nil))

	_, err = e.Compile(Service{Name: "nope"}, r)
	assert.Error(t, err)
}

func TestValidate_RejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown operator", Leaf{Field: "a", Operator: "like", Value: "x"}},
		{"in without array", Leaf{Field: "a", Operator: In, Value: "x"}},
		{"bad regex", Leaf{Field: "a", Operator: Matches, Value: "("}},
		{"missing field", Leaf{Operator: Eq, Value: 1}},
		{"gt without value", Leaf{Field: "a", Operator: Gt}},
		{"bad expr", Expr{Source: "record.a >"}},
		{"non-bool expr", Expr{Source: "1 + 2"}},
		{"nested", Any{Leaf{Field: "a", Operator: "bogus"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.cond))
		})
	}
}

func TestCheck_NilConditionIsTrue(t *testing.T) {
	ok, err := NewEvaluator(nil).Check(context.Background(), nil, nil, Snapshot{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecode(t *testing.T) {
	raw := map[string]any{
		"any": []any{
			map[string]any{"field": "status", "value": "open"},
			map[string]any{"field": "status", "operator": "eq", "value": "draft", "previous": true},
			map[string]any{"service": "is_vip"},
			map[string]any{"expr": "record.x > 1"},
		},
	}
	c, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Any{
		Leaf{Field: "status", Operator: Eq, Value: "open"},
		Leaf{Field: "status", Operator: Eq, Value: "draft", Previous: true},
		Service{Name: "is_vip"},
		Expr{Source: "record.x > 1"},
	}, c)
	assert.Equal(t, []string{"status"}, Fields(c))

	_, err = Decode(map[string]any{"field": "status"})
	assert.Error(t, err)

	_, err = Decode("status == open")
	assert.Error(t, err)
}
