package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissThenHit(t *testing.T) {
	c := New[int](time.Minute)

	_, ok := c.Get("answer")
	assert.False(t, ok)

	c.Set("answer", 42)
	v, ok := c.Get("answer")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestEntriesExpire(t *testing.T) {
	c := New[string](10 * time.Millisecond)
	c.Set("k", "v")

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("k", "v")
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrFillCachesResult(t *testing.T) {
	c := New[string](time.Minute)

	calls := 0
	fill := func(context.Context) (string, error) {
		calls++
		return "filled", nil
	}

	v, err := c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	assert.Equal(t, "filled", v)

	v, err = c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	assert.Equal(t, "filled", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrFillNeverCachesErrors(t *testing.T) {
	c := New[string](time.Minute)
	boom := errors.New("backend down")

	calls := 0
	_, err := c.GetOrFill(context.Background(), "k", func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrFill(context.Background(), "k", func(context.Context) (string, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, 2, calls)
}
