package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsOnLoop(t *testing.T) {
	l := New(0)
	defer l.Stop()

	done := make(chan struct{})
	var ran int32
	l.Post(func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestTimerCancelPreventsFire(t *testing.T) {
	l := New(0)
	defer l.Stop()

	var fired int32
	timer := l.StartTimer(50*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	timer.Cancel()

	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	l := New(4)
	ran := make(chan int, 2)
	l.Post(func() { ran <- 1 })
	l.Post(func() { ran <- 2 })
	l.Stop()

	require.Len(t, ran, 2)
}
