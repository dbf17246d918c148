package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerSecondCap(t *testing.T) {
	l := New(2, 100)
	now := time.Unix(1_700_000_000, 0)

	ok, _ := l.Check(now)
	assert.True(t, ok)
	ok, _ = l.Check(now)
	assert.True(t, ok)

	ok, reason := l.Check(now)
	assert.False(t, ok)
	assert.Equal(t, "per-second order cap reached", reason)

	// Next second opens a fresh bucket.
	ok, _ = l.Check(now.Add(time.Second))
	assert.True(t, ok)
}

func TestDenialConsumesNothing(t *testing.T) {
	l := New(1, 1)
	now := time.Unix(1_700_000_000, 0)

	ok, _ := l.Check(now)
	assert.True(t, ok)
	ok, _ = l.Check(now)
	assert.False(t, ok)

	sec, min := l.Stats()
	assert.Equal(t, 1, sec)
	assert.Equal(t, 1, min)
}

func TestPerMinuteCapOutlivesSecondWindows(t *testing.T) {
	l := New(10, 3)
	now := time.Unix(1_700_000_040, 0) // aligned inside one minute

	for i := 0; i < 3; i++ {
		ok, _ := l.Check(now.Add(time.Duration(i) * time.Second))
		assert.True(t, ok)
	}
	ok, reason := l.Check(now.Add(4 * time.Second))
	assert.False(t, ok)
	assert.Equal(t, "per-minute order cap reached", reason)

	// A new minute resets the bucket.
	ok, _ = l.Check(now.Add(time.Minute))
	assert.True(t, ok)
}

func TestNonPositiveCapDisablesBucket(t *testing.T) {
	l := New(0, 0)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 50; i++ {
		ok, _ := l.Check(now)
		assert.True(t, ok)
	}
}
