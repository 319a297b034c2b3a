package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestOnlineAndLastSeen(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.SetOnline(ctx, "u2"))
	require.NoError(t, s.SetOnline(ctx, "u1"))
	ids, err := s.Online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids)

	at := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetOffline(ctx, "u2", at))
	ids, err = s.Online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, ids)

	seen, err := s.LastSeen(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]time.Time{"u2": at}, seen)

	require.NoError(t, s.Reset(ctx))
	ids, err = s.Online(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPendingQueueDrainsInOrder(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Push(ctx, "u1", []byte("one")))
	require.NoError(t, s.Push(ctx, "u1", []byte("two")))
	require.True(t, mr.TTL(pendingPrefix+"u1") > 0)

	frames, err := s.Drain(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, frames)

	frames, err = s.Drain(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestPendingQueueExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	s.pendingTTL = time.Hour

	require.NoError(t, s.Push(ctx, "u1", []byte("stale")))
	mr.FastForward(2 * time.Hour)

	frames, err := s.Drain(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, frames)
}
