// Package eventloop provides the one-per-node worker thread every core
// component mutates state on (spec §4.B). Suspension points on the loop are
// task-post boundaries, timer fires, and RPC completion-queue drains that
// post onto it. Not all work runs here: a contract's batch task executes on
// its own goroutine and some entry points are called from other goroutines,
// so contract.Contract also guards its state with its own mutex.
package eventloop

import (
	"sync"
	"time"
)

// Loop is the node's single dedicated worker goroutine (the Go stand-in
// for original_source's boost::asio::io_context-driven thread manager).
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// New starts the loop's worker goroutine immediately (spec §4.B:
// "Lifecycle: start on construction"). queueSize bounds the number of
// tasks that may be posted before Post blocks; 0 means unbounded-ish via
// a generously sized default.
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 4096
	}
	l := &Loop{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case task, ok := <-l.tasks:
			if !ok {
				return
			}
			task()
		case <-l.done:
			l.drain()
			return
		}
	}
}

// drain runs any tasks already queued at stop time, then returns — mirrors
// the work-guard reset plus a final io_context.run() of the original
// thread manager.
func (l *Loop) drain() {
	for {
		select {
		case task := <-l.tasks:
			task()
		default:
			return
		}
	}
}

// Post queues an arbitrary task to run on the loop (spec §4.B). Safe to
// call from any goroutine, including the loop itself.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.tasks <- task:
	case <-l.done:
	}
}

// Timer is a cancellable one-shot timer handle (spec §4.B: "cancellable by
// dropping the returned handle").
type Timer struct {
	t *time.Timer
}

// Cancel stops the timer; the fire task, if already posted, still runs,
// but a not-yet-fired timer never posts (matches dropping the handle in
// the original source's weak-reference pattern, spec §9).
func (tm *Timer) Cancel() {
	tm.t.Stop()
}

// StartTimer schedules task to run on the loop after d elapses. Returns a
// handle whose Cancel prevents that.
func (l *Loop) StartTimer(d time.Duration, task func()) *Timer {
	t := time.AfterFunc(d, func() {
		l.Post(task)
	})
	return &Timer{t: t}
}

// Stop drains the work guard and joins the worker goroutine (spec §4.B).
// Idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	})
	l.wg.Wait()
}
