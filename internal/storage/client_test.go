package storage

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetJSON(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var out doc
	found, err := c.GetJSON(ctx, "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.PutJSON(ctx, "d", doc{Name: "a", Count: 3}))
	found, err = c.GetJSON(ctx, "d", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Name: "a", Count: 3}, out)

	require.NoError(t, c.Delete(ctx, "d"))
	found, err = c.GetJSON(ctx, "d", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHashOps(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var out doc
	found, err := c.HGetJSON(ctx, "h", "f1", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.HSetJSON(ctx, "h", "f1", doc{Name: "x", Count: 1}))
	require.NoError(t, c.HSetJSON(ctx, "h", "f2", doc{Name: "y", Count: 2}))

	found, err = c.HGetJSON(ctx, "h", "f2", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "y", out.Name)

	all, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.HSetString(ctx, "h2", "nick", "Kana"))
	v, found, err := c.HGetString(ctx, "h2", "nick")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Kana", v)

	_, found, err = c.HGetString(ctx, "h2", "other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open("not-a-url")
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := Open(fmt.Sprintf("redis://%s/0", mr.Addr()))
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()))
}
