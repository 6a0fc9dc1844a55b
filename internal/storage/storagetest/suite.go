// Package storagetest is a conformance suite every FileStore must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
)

// Run exercises store. The store must start empty.
func Run(t *testing.T, store ports.FileStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("read missing", func(t *testing.T) {
		_, _, err := store.Read(ctx, "missing/file.json")
		require.Error(t, err)
		assert.True(t, domain.IsNotFound(err), "want not found, got %v", err)
	})

	t.Run("write then read", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		created, err := store.Write(ctx, "/acme/services.json", []byte(`{"services":{}}`), "application/json")
		require.NoError(t, err)
		assert.True(t, created)

		data, info, err := store.Read(ctx, "acme/services.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"services":{}}`, string(data))
		assert.Equal(t, int64(len(data)), info.Size)
		assert.Equal(t, "application/json", info.MimeType)
		assert.True(t, info.DateModified.After(before), "dateModified %v", info.DateModified)
	})

	t.Run("overwrite", func(t *testing.T) {
		created, err := store.Write(ctx, "acme/services.json", []byte(`{}`), "application/json")
		require.NoError(t, err)
		assert.False(t, created)

		data, _, err := store.Read(ctx, "acme/services.json")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))
	})

	t.Run("list", func(t *testing.T) {
		for _, p := range []string{"acme/code/a.js", "acme/code/lib/b.js", "acme/readme.txt"} {
			_, err := store.Write(ctx, p, []byte("x"), "text/plain")
			require.NoError(t, err)
		}

		entries, err := store.List(ctx, "acme")
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Path)
		}
		assert.Equal(t, []string{"code/", "readme.txt", "services.json"}, names)
		assert.True(t, entries[0].IsDirectory)

		entries, err = store.List(ctx, "/acme/code/")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "a.js", entries[0].Path)
		assert.Equal(t, "lib/", entries[1].Path)

		entries, err = store.List(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "acme/code/lib/b.js"))
		_, _, err := store.Read(ctx, "acme/code/lib/b.js")
		assert.True(t, domain.IsNotFound(err))

		err = store.Delete(ctx, "acme/code/lib/b.js")
		assert.True(t, domain.IsNotFound(err))

		entries, err := store.List(ctx, "acme/code")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a.js", entries[0].Path)
	})

	t.Run("rejects escaping paths", func(t *testing.T) {
		_, err := store.Write(ctx, "../outside", []byte("x"), "text/plain")
		assert.Error(t, err)
		_, _, err = store.Read(ctx, "acme/../../etc/passwd")
		assert.Error(t, err)
	})
}
