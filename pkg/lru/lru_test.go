package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAndPut(t *testing.T) {
	c := New[string, int](3)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestPutUpdatesExistingKey(t *testing.T) {
	c := New[string, int](3)

	c.Put("a", 1)
	c.Put("a", 10)

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a is now the most recently used
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestRemove(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Remove("a")
	c.Remove("a") // no-op

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestDefaultCapacity(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 1500; i++ {
		c.Put(i, i)
	}
	assert.Equal(t, 1000, c.Len())
}
