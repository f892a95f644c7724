// Package assertloop centralizes the executor's structural-invariant-breach
// abort path (spec §7): "the executor never panics except on assertion
// failure (invariant breach), in which case it flushes the logger, stops the
// async-log guard, and aborts the process; host will restart it."
//
// The guard exists because os.Exit has no place inside a library package
// (internal/batch, internal/contract, ...) — it would make those packages
// untestable and would skip every deferred cleanup on the call stack between
// the assertion site and main. Instead, Fatal logs the breach, stops its own
// periodic flush goroutine, blocks until the log write lands, and panics;
// cmd/executor's main goroutine is expected to let that panic crash the
// process (no recover), same end state the spec describes, reached without
// an os.Exit buried in a library.
package assertloop

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Guard owns the periodic flush of a process-global log sink and the single
// abort path for structural-invariant breaches. One Guard is constructed in
// cmd/executor/main.go and threaded down into every component that can
// detect an invariant violation (currently internal/batch.Task).
type Guard struct {
	flush    func() error
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Start launches the periodic flush goroutine and returns the Guard. flush
// is called on every tick and once more from Fatal/Stop before returning;
// pass nil if the sink has no explicit flush (e.g. it writes directly to
// os.Stdout, which zerolog does unbuffered).
func Start(interval time.Duration, flush func() error) *Guard {
	g := &Guard{
		flush:    flush,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *Guard) run() {
	defer close(g.doneCh)
	if g.interval <= 0 {
		<-g.stopCh
		return
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.doFlush()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Guard) doFlush() {
	if g.flush == nil {
		return
	}
	_ = g.flush()
}

// Stop stops the flush goroutine after one final flush. Safe to call more
// than once and from any goroutine.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.doneCh
		g.doFlush()
	})
}

// Fatal logs msg at Error level, flushes and stops the guard, then panics
// with msg. It never returns. Callers that detect a structural-invariant
// breach (e.g. internal/batch.Task.CheckQuorum observing simultaneous
// distinct successful/unsuccessful quorums) call this instead of a bare
// panic so the spec §7 abort sequence — flush logger, stop async-log guard,
// abort process — always runs the same way regardless of call site.
func (g *Guard) Fatal(logger *zerolog.Logger, msg string) {
	if logger != nil {
		logger.Error().Str("invariant", msg).Msg("structural invariant breach, aborting")
	}
	g.Stop()
	panic(msg)
}

// StdoutFlush is the flush function for the teacher's default zerolog setup
// (internal/util.InitLogger writes to os.Stdout/os.Stdout.Sync has no
// buffering to flush on most platforms, but Sync is still the correct call
// on systems where stdout is backed by a file).
func StdoutFlush() error {
	return os.Stdout.Sync()
}
