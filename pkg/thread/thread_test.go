package thread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	id := ID()
	require.NotZero(t, id)
	assert.Equal(t, id, ID(), "id stable within the same goroutine")
}

func TestID_DistinctAcrossGoroutines(t *testing.T) {
	const workers = 16
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		require.NotZero(t, id)
		assert.False(t, seen[id], "id %d duplicated", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}
