package messenger

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// fakeConn is an in-memory stand-in for *nats.Conn satisfying natsConn,
// used so session tests don't require a live NATS server.
type fakeConn struct {
	mu        sync.Mutex
	published [][]byte
	failNext  bool
	handlers  map[string]nats.MsgHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assertErr
	}
	f.published = append(f.published, data)
	return nil
}

func (f *fakeConn) Subscribe(subj string, handler nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	f.handlers[subj] = handler
	f.mu.Unlock()
	return &nats.Subscription{Subject: subj}, nil
}

var assertErr = fakeError("publish failed")

type fakeError string

func (e fakeError) Error() string { return string(e) }

func selfKey(b byte) model.ExecutorKey {
	var k model.ExecutorKey
	k[0] = b
	return k
}

func TestSessionOpenSubscribesAndBecomesActive(t *testing.T) {
	conn := newFakeConn()
	sess := newSession(conn, selfKey(1), 10*time.Millisecond, nil, func(InputMessage) {})

	require.NoError(t, sess.Subscribe("END_BATCH"))
	sess.Open()

	require.Equal(t, Active, sess.State())
}

func TestSessionSendFlushesQueue(t *testing.T) {
	conn := newFakeConn()
	sess := newSession(conn, selfKey(1), 10*time.Millisecond, nil, func(InputMessage) {})
	sess.Open()

	sess.Send(OutputMessage{Receiver: selfKey(2), Tag: "END_BATCH", Content: []byte("hello")})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.published, 1)
}

func TestSessionSubscribeQueuedBeforeOpen(t *testing.T) {
	conn := newFakeConn()
	sess := newSession(conn, selfKey(1), 5*time.Millisecond, nil, func(InputMessage) {})

	require.NoError(t, sess.Subscribe("END_BATCH"))
	require.Equal(t, Idle, sess.State())

	sess.Open()
	require.Equal(t, Active, sess.State())

	conn.mu.Lock()
	_, subscribed := conn.handlers["sc.msgr.END_BATCH"]
	conn.mu.Unlock()
	require.True(t, subscribed)
}
