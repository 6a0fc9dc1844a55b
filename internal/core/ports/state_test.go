package ports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n        int
	unloaded bool
	fail     bool
}

func (c *counter) Unload(context.Context) error {
	c.unloaded = true
	if c.fail {
		return errors.New("boom")
	}
	return nil
}

func TestGetStateCreatesOnce(t *testing.T) {
	reg := NewStateRegistry()
	scope := reg.Scope("/a")

	created := 0
	create := func() (*counter, error) {
		created++
		return &counter{}, nil
	}

	c1, err := GetState(scope, create)
	require.NoError(t, err)
	c1.n = 5

	c2, err := GetState(scope, create)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, reg.Len())
}

func TestGetStateTypeMismatch(t *testing.T) {
	reg := NewStateRegistry()
	scope := reg.Scope("/a")

	_, err := GetState(scope, func() (*counter, error) { return &counter{}, nil })
	require.NoError(t, err)

	_, err = GetState(scope, func() (string, error) { return "x", nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state for /a")
}

func TestGetStateScopesAreIsolated(t *testing.T) {
	reg := NewStateRegistry()
	a, err := GetState(reg.Scope("/a"), func() (*counter, error) { return &counter{n: 1}, nil })
	require.NoError(t, err)
	b, err := GetState(reg.Scope("/b"), func() (*counter, error) { return &counter{n: 2}, nil })
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestUnloadAllToleratesFailures(t *testing.T) {
	reg := NewStateRegistry()
	good, _ := GetState(reg.Scope("/good"), func() (*counter, error) { return &counter{}, nil })
	bad, _ := GetState(reg.Scope("/bad"), func() (*counter, error) { return &counter{fail: true}, nil })

	err := reg.UnloadAll(context.Background())
	require.Error(t, err)
	assert.True(t, good.unloaded)
	assert.True(t, bad.unloaded)
	assert.Equal(t, 0, reg.Len())
}

func TestAdoptCarriesStateOver(t *testing.T) {
	ctx := context.Background()
	prev := NewStateRegistry()
	held, err := GetState(prev.Scope("/a"), func() (*counter, error) { return &counter{n: 7}, nil })
	require.NoError(t, err)

	next := NewStateRegistry()
	assert.True(t, next.Scope("/a").Adopt(prev.Scope("/a")))
	assert.False(t, next.Scope("/b").Adopt(prev.Scope("/b")))
	assert.False(t, next.Scope("/a").Adopt(nil))

	got, err := GetState(next.Scope("/a"), func() (*counter, error) { return &counter{}, nil })
	require.NoError(t, err)
	assert.Same(t, held, got)

	// the replaced registry leaves the carried value alone
	require.NoError(t, prev.UnloadAll(ctx))
	assert.False(t, held.unloaded)

	require.NoError(t, next.UnloadAll(ctx))
	assert.True(t, held.unloaded)
}

func TestAdoptingRegistryDiscarded(t *testing.T) {
	ctx := context.Background()
	prev := NewStateRegistry()
	held, _ := GetState(prev.Scope("/a"), func() (*counter, error) { return &counter{}, nil })

	next := NewStateRegistry()
	require.True(t, next.Scope("/a").Adopt(prev.Scope("/a")))
	own, _ := GetState(next.Scope("/b"), func() (*counter, error) { return &counter{}, nil })

	require.NoError(t, next.UnloadAll(ctx))
	assert.False(t, held.unloaded)
	assert.True(t, own.unloaded)

	require.NoError(t, prev.UnloadAll(ctx))
	assert.True(t, held.unloaded)
}

func TestAdoptKeepsExistingValue(t *testing.T) {
	prev := NewStateRegistry()
	_, _ = GetState(prev.Scope("/a"), func() (*counter, error) { return &counter{n: 1}, nil })

	next := NewStateRegistry()
	mine, _ := GetState(next.Scope("/a"), func() (*counter, error) { return &counter{n: 2}, nil })
	assert.False(t, next.Scope("/a").Adopt(prev.Scope("/a")))

	got, _ := GetState(next.Scope("/a"), func() (*counter, error) { return nil, errors.New("unused") })
	assert.Same(t, mine, got)
}
