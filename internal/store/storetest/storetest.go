// Package storetest holds the behavioral checks every store.Store implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

// Run exercises s. Each subtest uses its own collection so a shared backend is fine.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "st_missing", "nope")
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "st_put", "a", []byte(`{"v":1}`)))
		got, err := s.Get(ctx, "st_put", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))

		require.NoError(t, s.Put(ctx, "st_put", "a", []byte(`{"v":2}`)))
		got, err = s.Get(ctx, "st_put", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("CollectionsAreIsolated", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "st_iso_a", "x", []byte(`{}`)))
		_, err := s.Get(ctx, "st_iso_b", "x")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "st_del", "a", []byte(`{}`)))
		require.NoError(t, s.Delete(ctx, "st_del", "a"))
		require.NoError(t, s.Delete(ctx, "st_del", "a"))
		_, err := s.Get(ctx, "st_del", "a")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("GetAll", func(t *testing.T) {
		all, err := s.GetAll(ctx, "st_all_empty")
		require.NoError(t, err)
		assert.Empty(t, all)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Put(ctx, "st_all", fmt.Sprintf("id-%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i))))
		}
		all, err = s.GetAll(ctx, "st_all")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "st_cas", "a", []byte(`{"status":"pending"}`)))

		ok, err := s.CompareAndSwap(ctx, "st_cas", "a", []byte(`{"status":"stale"}`), []byte(`{"status":"resolved"}`))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, "st_cas", "a", []byte(`{"status":"pending"}`), []byte(`{"status":"resolved"}`))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, "st_cas", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"resolved"}`, string(got))

		_, err = s.CompareAndSwap(ctx, "st_cas", "missing", []byte(`{}`), []byte(`{}`))
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("CompareAndSwapSingleWinner", func(t *testing.T) {
		old := []byte(`{"status":"pending"}`)
		require.NoError(t, s.Put(ctx, "st_race", "a", old))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "st_race", "a", old, []byte(fmt.Sprintf(`{"winner":%d}`, i)))
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("Page", func(t *testing.T) {
		for _, id := range []string{"c", "a", "e", "b", "d"} {
			require.NoError(t, s.Put(ctx, "st_page", id, []byte(`{"id":"`+id+`"}`)))
		}

		first, err := s.Page(ctx, "st_page", "", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "a", first[0].ID)
		assert.Equal(t, "b", first[1].ID)

		rest, err := s.Page(ctx, "st_page", first[1].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, []string{"c", "d", "e"}, []string{rest[0].ID, rest[1].ID, rest[2].ID})
		assert.JSONEq(t, `{"id":"e"}`, string(rest[2].Data))

		tail, err := s.Page(ctx, "st_page", "e", 10)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})
}
