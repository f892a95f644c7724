package blockchain

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// countingGateway counts upstream calls and blocks until release is
// closed, so many concurrent Block() calls can be proven to coalesce.
type countingGateway struct {
	calls   int32
	release chan struct{}
}

func (g *countingGateway) Block(ctx context.Context, height uint64) (Block, error) {
	atomic.AddInt32(&g.calls, 1)
	<-g.release
	return Block{Hash: model.BlockHash{byte(height)}, Time: height * 10}, nil
}

func TestCacheCoalescesConcurrentQueries(t *testing.T) {
	gw := &countingGateway{release: make(chan struct{})}
	cache := NewCache(gw, 16, nil)

	const n = 10
	var wg sync.WaitGroup
	results := make([]Block, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		cache.Block(context.Background(), 42, func(b Block, err error) {
			require.NoError(t, err)
			results[i] = b
			wg.Done()
		})
	}

	time.Sleep(50 * time.Millisecond) // let all callers reach the in-flight map
	close(gw.release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&gw.calls), "exactly one upstream query for N concurrent callers")
	for _, b := range results {
		require.Equal(t, results[0], b, "all callbacks must observe an identical block")
	}
}

func TestCacheHitServesSynchronously(t *testing.T) {
	gw := &countingGateway{release: make(chan struct{})}
	close(gw.release)
	cache := NewCache(gw, 16, nil)

	done := make(chan struct{})
	cache.Block(context.Background(), 7, func(b Block, err error) { close(done) })
	<-done

	fired := false
	cache.Block(context.Background(), 7, func(b Block, err error) { fired = true })
	require.True(t, fired, "a cached entry must reply synchronously")
	require.EqualValues(t, 1, atomic.LoadInt32(&gw.calls))
}

func TestCacheEvictsFIFO(t *testing.T) {
	gw := &countingGateway{release: make(chan struct{})}
	close(gw.release)
	cache := NewCache(gw, 2, nil)

	for h := uint64(0); h < 3; h++ {
		done := make(chan struct{})
		cache.Block(context.Background(), h, func(b Block, err error) { close(done) })
		<-done
	}
	require.Equal(t, 2, cache.Len())
	_, evicted := cache.cached[0]
	require.False(t, evicted, "oldest entry must be evicted once over capacity")
}
