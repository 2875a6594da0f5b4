package localkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
)

func newClient(t *testing.T, size int) *Client {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	c, err := New(log, size)
	require.NoError(t, err)
	return c
}

func TestSetGetDelete(t *testing.T) {
	c := newClient(t, 16)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newClient(t, 16)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "short", []byte("v"), 20*time.Millisecond))
	require.NoError(t, c.SetWithTTL(ctx, "forever", []byte("v"), 0))

	time.Sleep(40 * time.Millisecond)

	_, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = c.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok, "zero ttl never expires")
}

func TestValueIsolation(t *testing.T) {
	c := newClient(t, 16)
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, c.SetWithTTL(ctx, "k", buf, time.Minute))
	buf[0] = 'X'

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), got, "stored value is a copy")

	got[0] = 'Y'
	again, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again, "returned value is a copy")
}

func TestLRUEviction(t *testing.T) {
	c := newClient(t, 2)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "c", []byte("3"), time.Minute))

	require.Equal(t, 2, c.Len())
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok, "oldest entry evicted at capacity")
}

func TestCloseDropsEverything(t *testing.T) {
	c := newClient(t, 16)
	ctx := context.Background()
	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Close())
	require.Equal(t, 0, c.Len())
}
