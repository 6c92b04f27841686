package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueCacheChanged(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewValueCache(time.Second)
	c.now = func() time.Time { return now }

	assert.True(t, c.Changed("a", 1))
	assert.False(t, c.Changed("a", 1))
	assert.True(t, c.Changed("a", 2))

	now = now.Add(500 * time.Millisecond)
	assert.False(t, c.Changed("a", 2))

	now = now.Add(600 * time.Millisecond)
	assert.True(t, c.Changed("a", 2), "expired entries are sent again")

	c.Delete("a")
	_, ok := c.GetValue("a")
	assert.False(t, ok)
	assert.True(t, c.Changed("a", 2))
}

func TestValueCacheGetSet(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewValueCache(0)
	c.now = func() time.Time { return now }

	c.SetValue("k", 3.5)
	v, ok := c.GetValue("k")
	assert.True(t, ok)
	assert.Equal(t, 3.5, v)

	now = now.Add(2 * time.Second)
	_, ok = c.GetValue("k")
	assert.False(t, ok)
}
