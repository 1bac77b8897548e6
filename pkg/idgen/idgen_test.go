package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64(t *testing.T) {
	var g Uint64
	require.Equal(t, uint64(1), g.Next())
	require.Equal(t, uint64(2), g.Next())

	var lock sync.Mutex
	seen := map[uint64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				lock.Lock()
				seen[id] = true
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 400)
	require.False(t, seen[0])
}
