package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	x := r.Add("x")
	y := r.Add("y")
	assert.Equal(t, x, r.Add("x"), "Add is idempotent")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, y, r.MaxIdx())

	idx, err := r.Index("y")
	require.NoError(t, err)
	assert.Equal(t, y, idx)
	assert.Equal(t, "y", r.Name(y))

	_, err = r.Index("missing")
	assert.Error(t, err)
	assert.Panics(t, func() { r.MustIndex("missing") })
	assert.Panics(t, func() { r.Name(ValueIndex(99)) })
}
