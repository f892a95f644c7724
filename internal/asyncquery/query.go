// Package asyncquery implements the async-query primitive of spec §4.A:
// every asynchronous request yields a (QueryHandle, CallbackSink) pair
// sharing a status cell, so a result fires at most once and a terminated
// query is silent rather than erroring.
package asyncquery

import "sync"

// Status is the lifecycle of one async query (spec §4.A).
type Status int

const (
	// Active means a result may still be delivered.
	Active Status = iota
	// Executed means the callback has already fired exactly once.
	Executed
	// Terminated means the query was cancelled before (or racing) delivery.
	Terminated
)

// Poster marshals a task onto the event loop. internal/eventloop.Loop
// satisfies this; tests can use a synchronous stand-in.
type Poster interface {
	Post(func())
}

// cell is the shared status cell of spec §4.A: "{status, callback slot,
// terminate hook, status mutex}". Both the handle and the sink hold a
// strong reference to it; there is no back-reference from the cell to
// either, so nothing here can form an ownership cycle (spec §9: "keeping
// all callbacks weak to owning objects... placing mutable status in a
// separate heap cell").
type cell struct {
	mu           sync.Mutex
	status       Status
	callback     func(result any)
	terminateHook func()
}

// QueryHandle is held by the query's producer (e.g. a VM or storage call
// site) to observe completion and, for the manual variant, to terminate it
// explicitly.
type QueryHandle struct {
	c    *cell
	auto bool
}

// CallbackSink is held by the query's consumer to receive at most one
// result.
type CallbackSink struct {
	c      *cell
	poster Poster
	async  bool
}

// New creates a query/sink pair. autoTerminate selects whether the handle
// terminates itself when it goes out of scope (callers must call
// handle.Close() in that case to get the same effect, since Go has no
// destructors) or must be terminated explicitly by its owner. asyncSink
// selects whether posted results always marshal through poster (async) or
// fire inline when already on the event loop (sync) — spec §4.A.
func New(poster Poster, autoTerminate, asyncSink bool, onTerminate func(), callback func(result any)) (*QueryHandle, *CallbackSink) {
	c := &cell{status: Active, callback: callback, terminateHook: onTerminate}
	return &QueryHandle{c: c, auto: autoTerminate}, &CallbackSink{c: c, poster: poster, async: asyncSink}
}

// PostReply may be invoked from any thread; it marshals delivery to the
// event loop (for the async sink) or fires inline (for the sync sink, only
// valid when already running on the loop), firing callback(result) exactly
// once iff status was ACTIVE at post time.
func (s *CallbackSink) PostReply(result any) {
	deliver := func() {
		s.c.mu.Lock()
		if s.c.status != Active {
			s.c.mu.Unlock()
			return
		}
		cb := s.c.callback
		s.c.status = Executed
		s.c.callback = nil
		s.c.mu.Unlock()
		if cb != nil {
			cb(result)
		}
	}

	if s.async {
		if s.poster == nil {
			deliver()
			return
		}
		s.poster.Post(deliver)
		return
	}
	// Sync sink: fires inline. Callers must only use this from the event
	// loop (spec §4.A: "fires inline when called from the event loop").
	deliver()
}

// IsTerminated reports whether the query has already been terminated,
// allowing a sink to fast-path-skip work it knows is moot (spec §4.A).
func (s *CallbackSink) IsTerminated() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.status == Terminated
}

// Terminate transitions an ACTIVE query to TERMINATED, drops the stored
// callback, and invokes the registered terminate hook. Must be called on
// the event loop (spec §4.A). A no-op if already EXECUTED or TERMINATED.
func (h *QueryHandle) Terminate() {
	h.c.mu.Lock()
	if h.c.status != Active {
		h.c.mu.Unlock()
		return
	}
	h.c.status = Terminated
	h.c.callback = nil
	hook := h.c.terminateHook
	h.c.terminateHook = nil
	h.c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Close releases the handle. For an auto-terminating handle this
// terminates the query (the Go stand-in for "terminates on its own
// destruction"); for a manual-terminating handle it is a no-op and the
// owner must have already called Terminate explicitly.
func (h *QueryHandle) Close() {
	if h.auto {
		h.Terminate()
	}
}

// Status returns the query's current lifecycle state.
func (h *QueryHandle) Status() Status {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.status
}
