package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistrySwap(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("acme")
	assert.False(t, ok)

	first := New("acme", nil, Options{})
	assert.Nil(t, r.Swap(first))

	second := New("acme", nil, Options{})
	assert.Same(t, first, r.Swap(second))

	got, ok := r.Get("acme")
	assert.True(t, ok)
	assert.Same(t, second, got)

	r.Swap(New("beta", nil, Options{}))
	assert.Equal(t, []string{"acme", "beta"}, r.Names())

	removed, ok := r.Remove("acme")
	assert.True(t, ok)
	assert.Same(t, second, removed)
	assert.Equal(t, []string{"beta"}, r.Names())
}

func TestRegistryReplaceIf(t *testing.T) {
	r := NewRegistry()
	fallback := New("acme", nil, Options{})
	r.Swap(fallback)

	late := New("acme", nil, Options{})
	assert.True(t, r.ReplaceIf(fallback, late))

	stale := New("acme", nil, Options{})
	assert.False(t, r.ReplaceIf(fallback, stale))

	got, _ := r.Get("acme")
	assert.Same(t, late, got)
}
