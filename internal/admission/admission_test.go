package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(3, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Second)
	}

	d, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// 其他客户端不受影响
	d, _ = l.Allow(ctx, "client-b")
	assert.True(t, d.Allowed)

	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "client-a")
	assert.True(t, d.Allowed, "oldest request left the window")
}

func TestMemoryLimiter_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	l := NewMemoryLimiter(50, time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "shared")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestNewLimiter_FallsBackToMemory(t *testing.T) {
	l := NewLimiter(config.AdmissionConfig{Backend: "redis", Limit: 2, Window: time.Second}, nil)
	_, ok := l.(*MemoryLimiter)
	assert.True(t, ok)
}

func TestSanitizer(t *testing.T) {
	s := NewSanitizer()
	assert.Equal(t, "grilled chicken", s.Sanitize("  <b>grilled</b> chicken<script>alert(1)</script> "))
	assert.Equal(t, "M&M peanut", s.Sanitize("M&M peanut"))
	assert.Equal(t, "ab", s.Sanitize("a\x00b"))
}
