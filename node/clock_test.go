package node

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockStrictlyIncreasing(t *testing.T) {
	c := NewClock()
	prev := c.UniqueNow()
	for i := 0; i < 1000; i++ {
		next := c.UniqueNow()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestClockAdvance(t *testing.T) {
	now := int64(1000)
	c := NewManualClock(func() int64 { return now })
	local := c.UniqueNow()

	remote := local + 1<<20
	c.Advance(remote)
	require.Greater(t, c.UniqueNow(), remote)

	// advancing backwards is a no-op
	c.Advance(local)
	require.Greater(t, c.UniqueNow(), remote)
}

func TestClockConcurrent(t *testing.T) {
	c := NewClock()
	const goroutines, per = 8, 1000
	seen := make([][]uint64, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				seen[g] = append(seen[g], c.UniqueNow())
			}
		}(g)
	}
	wg.Wait()
	all := map[uint64]struct{}{}
	for _, s := range seen {
		for _, v := range s {
			_, dup := all[v]
			require.False(t, dup, "duplicate hlc sample")
			all[v] = struct{}{}
		}
	}
}
