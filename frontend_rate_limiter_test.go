package balancerd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryFrontendRateLimiter(t *testing.T) {
	max := 2
	frl := NewMemoryFrontendRateLimiter(2*time.Second, max)

	for i := 0; i < 4; i++ {
		require.Equal(t, i < max, frl.Take("foo"))
		require.Equal(t, i < max, frl.Take("bar"))
	}

	// Limits reset on the next generation.
	time.Sleep(2 * time.Second)
	for i := 0; i < 4; i++ {
		require.Equal(t, i < max, frl.Take("foo"))
		require.Equal(t, i < max, frl.Take("bar"))
	}
}

func TestNoopFrontendRateLimiter(t *testing.T) {
	for i := 0; i < 100; i++ {
		require.True(t, NoopFrontendRateLimiter.Take("foo"))
	}
}
