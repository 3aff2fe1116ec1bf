// Package statetest holds the behaviour every state store implementation must
// share. Store packages call Run from their own tests.
package statetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
	statepkg "github.com/drblury/eventmediator/internal/runtime/state"
)

type Store = statepkg.Store

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) Store

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("get missing keys", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Get(context.Background(), []string{"nope"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("create assigns version zero", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		failed, err := store.Create(ctx, []statepkg.State{
			{Key: "a", Value: []byte("1"), Metadata: metadatapkg.New("origin", "test")},
			{Key: "b", Value: []byte("2"), Version: 7},
		})
		require.NoError(t, err)
		assert.Empty(t, failed)

		got, err := store.Get(ctx, []string{"a", "b"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 0, got["a"].Version)
		assert.Equal(t, 0, got["b"].Version)
		assert.Equal(t, []byte("1"), got["a"].Value)
		assert.Equal(t, "test", got["a"].Metadata["origin"])
		assert.False(t, got["a"].ModifiedTime.IsZero())
	})

	t.Run("create reports existing keys", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Create(ctx, []statepkg.State{{Key: "a", Value: []byte("1")}})
		require.NoError(t, err)

		failed, err := store.Create(ctx, []statepkg.State{
			{Key: "a", Value: []byte("other")},
			{Key: "c", Value: []byte("3")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, failed)

		got, err := store.Get(ctx, []string{"a", "c"})
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got["a"].Value, "existing state must not be overwritten")
		assert.Contains(t, got, "c")
	})

	t.Run("update increments version", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Create(ctx, []statepkg.State{{Key: "a", Value: []byte("v0")}})
		require.NoError(t, err)

		for want := 1; want <= 3; want++ {
			current, err := store.Get(ctx, []string{"a"})
			require.NoError(t, err)
			next := current["a"]
			next.Value = []byte("next")
			failed, err := store.Update(ctx, []statepkg.State{next})
			require.NoError(t, err)
			assert.Empty(t, failed)

			after, err := store.Get(ctx, []string{"a"})
			require.NoError(t, err)
			assert.Equal(t, want, after["a"].Version)
		}
	})

	t.Run("stale update reports current state", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Create(ctx, []statepkg.State{{Key: "a", Value: []byte("v0")}})
		require.NoError(t, err)
		_, err = store.Update(ctx, []statepkg.State{{Key: "a", Value: []byte("v1"), Version: 0}})
		require.NoError(t, err)

		failed, err := store.Update(ctx, []statepkg.State{{Key: "a", Value: []byte("stale"), Version: 0}})
		require.NoError(t, err)
		require.Contains(t, failed, "a")
		require.NotNil(t, failed["a"])
		assert.Equal(t, 1, failed["a"].Version)
		assert.Equal(t, []byte("v1"), failed["a"].Value)
	})

	t.Run("update of missing key reports nil", func(t *testing.T) {
		store := newStore(t)
		failed, err := store.Update(context.Background(), []statepkg.State{{Key: "ghost", Value: []byte("x")}})
		require.NoError(t, err)
		require.Contains(t, failed, "ghost")
		assert.Nil(t, failed["ghost"])
	})

	t.Run("delete checks version", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Create(ctx, []statepkg.State{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		})
		require.NoError(t, err)
		_, err = store.Update(ctx, []statepkg.State{{Key: "b", Value: []byte("2b"), Version: 0}})
		require.NoError(t, err)

		failed, err := store.Delete(ctx, []statepkg.State{
			{Key: "a", Version: 0},
			{Key: "b", Version: 0},
			{Key: "ghost", Version: 0},
		})
		require.NoError(t, err)
		assert.NotContains(t, failed, "a")
		require.NotNil(t, failed["b"])
		assert.Equal(t, 1, failed["b"].Version)
		require.Contains(t, failed, "ghost")
		assert.Nil(t, failed["ghost"])

		got, err := store.Get(ctx, []string{"a", "b"})
		require.NoError(t, err)
		assert.NotContains(t, got, "a")
		assert.Contains(t, got, "b")
	})
}
