package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ CaptchaStore = (*RedisCaptchaStore)(nil)

func newTestRedis(t *testing.T) (*RedisCaptchaStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCaptchaStore(rdb, ""), mr
}

func TestRedisCaptcha_PutGetDelete(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	exp := now.Add(5 * time.Minute)

	require.NoError(t, store.Put(ctx, "u1", "ANSWER", exp))
	assert.True(t, mr.Exists("captcha:u1"))

	ans, ok, err := store.GetIfLive(ctx, "u1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ANSWER", ans)

	_, ok, err = store.GetIfLive(ctx, "u1", exp)
	require.NoError(t, err)
	assert.True(t, ok, "live exactly at expiry")

	_, ok, err = store.GetIfLive(ctx, "u1", exp.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, "u1"))
	assert.False(t, mr.Exists("captcha:u1"))
	require.NoError(t, store.Delete(ctx, "u1"), "delete is idempotent")
}

func TestRedisCaptcha_Replace(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, "u2", "FIRST", now.Add(time.Minute)))
	require.NoError(t, store.Put(ctx, "u2", "SECOND", now.Add(2*time.Minute)))

	ans, ok, err := store.GetIfLive(ctx, "u2", now.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SECOND", ans)
}

func TestRedisCaptcha_ServerExpiry(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "u3", "X", time.Now().Add(time.Minute)))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.GetIfLive(ctx, "u3", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCaptcha_Unavailable(t *testing.T) {
	store, mr := newTestRedis(t)
	mr.Close()

	_, ok, err := store.GetIfLive(context.Background(), "u4", time.Now())
	assert.Error(t, err)
	assert.False(t, ok)
}
