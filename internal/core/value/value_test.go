package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLooseEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same strings", "open", "open", true},
		{"int and float", 3, 3.0, true},
		{"decimal and json number", decimal.RequireFromString("1.50"), json.Number("1.5"), true},
		{"number and numeric string", 42, "42", true},
		{"bool and string", true, "true", true},
		{"nil and empty string", nil, "", true},
		{"different strings", "open", "closed", false},
		{"different numbers", 1, 2, false},
		{"times at same instant", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 1, 0, 0, 0, time.FixedZone("x", 3600)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooseEqual(tt.a, tt.b))
		})
	}
}

func TestEqual_DistinguishesNilFromEmpty(t *testing.T) {
	assert.False(t, Equal(nil, ""))
	assert.True(t, Equal(nil, nil))
	assert.True(t, Equal(int64(5), 5.0))
	assert.False(t, Equal("5", 5))
	assert.True(t, Equal([]any{"a"}, []any{"a"}))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(10, "9.5")
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = Compare("2024-01-01", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare("abc", 1)
	assert.False(t, ok)

	_, ok = Compare(nil, 1)
	assert.False(t, ok)
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(nil))
	assert.True(t, IsBlank("  "))
	assert.True(t, IsBlank([]any{}))
	assert.True(t, IsBlank(map[string]any{}))
	assert.False(t, IsBlank(false))
	assert.False(t, IsBlank(0))
	assert.False(t, IsBlank("x"))
}

func TestList(t *testing.T) {
	l, ok := List([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, l)

	_, ok = List("a")
	assert.False(t, ok)

	assert.True(t, Contains([]any{1, 2, 3}, "2"))
	assert.False(t, Contains([]any{1, 2, 3}, 4))
}

func TestSort_NilFirst(t *testing.T) {
	assert.Equal(t, -1, Sort(nil, 1))
	assert.Equal(t, 1, Sort("b", "a"))
	assert.Equal(t, -1, Sort(2, 10))
}
