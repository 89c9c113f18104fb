package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsVersion7(t *testing.T) {
	v := New()
	assert.False(t, IsNil(v))
	assert.EqualValues(t, 7, v.Version())

	parsed, err := Parse(v.String())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)
}

func TestKey_SortsByTime(t *testing.T) {
	now := time.Now()
	first := Key(now)
	second := Key(now)
	later := Key(now.Add(time.Second))

	assert.Len(t, first, 26)
	assert.Less(t, first, second)
	assert.Less(t, second, later)
}
