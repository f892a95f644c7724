package asyncquery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// inlinePoster runs posted tasks immediately, standing in for the event
// loop in tests that don't need real concurrency.
type inlinePoster struct{}

func (inlinePoster) Post(f func()) { f() }

func TestPostReplyFiresExactlyOnce(t *testing.T) {
	fired := 0
	var got any
	_, sink := New(inlinePoster{}, true, true, nil, func(result any) {
		fired++
		got = result
	})

	sink.PostReply("first")
	sink.PostReply("second")

	require.Equal(t, 1, fired)
	require.Equal(t, "first", got)
}

func TestTerminateDropsCallback(t *testing.T) {
	fired := false
	terminateCalled := false
	handle, sink := New(inlinePoster{}, false, true, func() { terminateCalled = true }, func(result any) {
		fired = true
	})

	handle.Terminate()
	sink.PostReply("too late")

	require.False(t, fired, "a terminated query must never fire its callback")
	require.True(t, terminateCalled)
	require.True(t, sink.IsTerminated())
}

func TestTerminateIsIdempotent(t *testing.T) {
	calls := 0
	handle, _ := New(inlinePoster{}, false, true, func() { calls++ }, func(any) {})
	handle.Terminate()
	handle.Terminate()
	require.Equal(t, 1, calls, "terminate hook must fire at most once")
}

func TestSyncSinkFiresInline(t *testing.T) {
	fired := false
	_, sink := New(nil, true, false, nil, func(any) { fired = true })
	sink.PostReply(1)
	require.True(t, fired)
}

func TestAutoTerminateOnClose(t *testing.T) {
	terminated := false
	handle, _ := New(inlinePoster{}, true, true, func() { terminated = true }, func(any) {})
	handle.Close()
	require.True(t, terminated)
	require.Equal(t, Terminated, handle.Status())
}

func TestManualHandleNotAutoTerminated(t *testing.T) {
	terminated := false
	handle, _ := New(inlinePoster{}, false, true, func() { terminated = true }, func(any) {})
	handle.Close()
	require.False(t, terminated)
	require.Equal(t, Active, handle.Status())
}
