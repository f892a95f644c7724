package assertloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartStopRunsFlushOnce(t *testing.T) {
	var flushes int32
	g := Start(0, func() error {
		atomic.AddInt32(&flushes, 1)
		return nil
	})
	g.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&flushes))
}

func TestStopIsIdempotent(t *testing.T) {
	g := Start(0, nil)
	g.Stop()
	g.Stop()
}

func TestStartTicksPeriodicFlush(t *testing.T) {
	done := make(chan struct{}, 1)
	g := Start(5*time.Millisecond, func() error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	defer g.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected periodic flush to fire")
	}
}

func TestFatalPanicsAfterStopping(t *testing.T) {
	var flushed int32
	g := Start(0, func() error {
		atomic.AddInt32(&flushed, 1)
		return nil
	})

	assert.PanicsWithValue(t, "boom", func() {
		g.Fatal(nil, "boom")
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&flushed))

	// Guard is now stopped; a second Stop must not block or panic again.
	g.Stop()
}
