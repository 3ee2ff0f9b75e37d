package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libraxisai/lbrxserve/types"
)

func newRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, ttl)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemoryStore(time.Hour)
	t.Cleanup(func() { mem.Close() })
	return map[string]Store{
		"memory": mem,
		"redis":  newRedisStore(t, time.Hour),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := New("alice", "vista", "qwen3-14b")
			sess.Append(types.NewUserMessage("hello"), types.NewAssistantMessage("hi"))
			require.NoError(t, store.Create(ctx, sess))

			got, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, 2, got.MessageCount)
			assert.Equal(t, "hello", got.Messages[0].Content)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "nope")
			assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := New("", "", "")
			require.NoError(t, store.Create(ctx, sess))
			require.NoError(t, store.Delete(ctx, sess.ID))

			_, err := store.Get(ctx, sess.ID)
			assert.Error(t, err)
			assert.Error(t, store.Delete(ctx, sess.ID))
		})
	}
}

func TestStoreSaveUpdates(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := New("bob", "default", "phi-3")
			require.NoError(t, store.Create(ctx, sess))

			sess.Append(types.NewUserMessage("one more"))
			require.NoError(t, store.Save(ctx, sess))

			got, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.MessageCount)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	sess := New("", "", "")
	require.NoError(t, store.Create(ctx, sess))
	time.Sleep(30 * time.Millisecond)

	_, err := store.Get(ctx, sess.ID)
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	ctx := context.Background()

	a := New("a", "", "")
	require.NoError(t, store.Create(ctx, a))
	b := New("b", "", "")
	b.UpdatedAt = b.UpdatedAt.Add(time.Second)
	require.NoError(t, store.Create(ctx, b))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].UserID, "newest first")
}

func TestRedisStoreListEmpty(t *testing.T) {
	store := newRedisStore(t, time.Hour)
	sess := New("", "", "")
	require.NoError(t, store.Create(context.Background(), sess))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStoreTTLSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStoreFromClient(client, time.Hour)

	sess := New("", "", "")
	require.NoError(t, store.Create(context.Background(), sess))
	assert.Greater(t, mr.TTL(redisKey(sess.ID)), time.Duration(0))
}
