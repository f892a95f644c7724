package ocsp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "ocsp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheGetMissesUntilPut(t *testing.T) {
	c := newTestCache(t)

	_, _, ok := c.Get("cert-1")
	require.False(t, ok)

	require.NoError(t, c.Put("cert-1", []byte("der-bytes"), time.Now()))

	resp, _, ok := c.Get("cert-1")
	require.True(t, ok)
	require.Equal(t, []byte("der-bytes"), resp)
}

// fakeQuerier fails the first N-1 calls, then succeeds.
type fakeQuerier struct {
	mu        sync.Mutex
	failTimes int
	calls     int
}

func (q *fakeQuerier) Query(_ context.Context, _ string, _ []byte) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.calls <= q.failTimes {
		return nil, errors.New("responder unreachable")
	}
	return []byte("ok"), nil
}

func TestClientRetriesThenSucceeds(t *testing.T) {
	cache := newTestCache(t)
	querier := &fakeQuerier{failTimes: 2}
	client := NewClient(cache, querier, time.Millisecond, 5)

	resp, err := client.Response(context.Background(), "cert-1", "http://responder", []byte("req"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp)
	require.Equal(t, 3, querier.calls)

	cached, _, ok := cache.Get("cert-1")
	require.True(t, ok)
	require.Equal(t, []byte("ok"), cached)
}

func TestClientExhaustsAttemptsAndReturnsError(t *testing.T) {
	cache := newTestCache(t)
	querier := &fakeQuerier{failTimes: 100}
	client := NewClient(cache, querier, time.Millisecond, 3)

	_, err := client.Response(context.Background(), "cert-2", "http://responder", []byte("req"))
	require.Error(t, err)
	require.Equal(t, 3, querier.calls)
}

func TestClientServesCachedResponseWithoutQuerying(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put("cert-3", []byte("cached"), time.Now()))

	querier := &fakeQuerier{failTimes: 100}
	client := NewClient(cache, querier, time.Millisecond, 3)

	resp, err := client.Response(context.Background(), "cert-3", "http://responder", []byte("req"))
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), resp)
	require.Equal(t, 0, querier.calls)
}
