package sqnum

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextStrictlyIncreasing(t *testing.T) {
	var c Counter
	prev := c.Next()
	for i := 0; i < 100; i++ {
		n := c.Next()
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestPeekReflectsLastIssued(t *testing.T) {
	var c Counter
	require.Equal(t, uint64(0), c.Peek())
	n := c.Next()
	require.Equal(t, n, c.Peek())
}

func TestObserveRaisesFloorOnly(t *testing.T) {
	var c Counter
	c.Observe(100)
	require.Equal(t, uint64(100), c.Peek())
	c.Observe(50) // lower than current, must not regress
	require.Equal(t, uint64(100), c.Peek())
	n := c.Next()
	require.Equal(t, uint64(101), n)
}

func TestNextConcurrentUnique(t *testing.T) {
	var c Counter
	const n = 200
	out := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- c.Next()
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[uint64]bool, n)
	for v := range out {
		require.False(t, seen[v], "duplicate sqnum issued: %d", v)
		seen[v] = true
	}
	require.Len(t, seen, n)
}
