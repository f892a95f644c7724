// Package messenger implements the messenger adapter of spec §4.F: a
// reliable-with-reconnect session exposing subscribe/send/receive, backed
// in production by NATS core pub/sub (spec §A transport substitution —
// the original gRPC bidirectional stream has no analogue in the pack, so
// the session state machine below supplies the visible ACTIVE/OPENING/
// RESTART_WAIT transitions NATS's own transparent reconnect does not).
package messenger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// State is the session state machine of spec §4.F: "IDLE → OPENING →
// ACTIVE → (error) → RESTART_WAIT → OPENING …".
type State int

const (
	Idle State = iota
	Opening
	Active
	RestartWait
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Opening:
		return "OPENING"
	case Active:
		return "ACTIVE"
	case RestartWait:
		return "RESTART_WAIT"
	default:
		return "UNKNOWN"
	}
}

// OutputMessage is an outbound opinion/message (spec §4.F:
// "send_message(OutputMessage{receiver, tag, content})").
type OutputMessage struct {
	Receiver model.ExecutorKey
	Tag      string
	Content  []byte
}

// InputMessage is a received message, delivered via OnMessageReceived
// (spec §4.F: "Callbacks upward: on_message_received(InputMessage{tag,
// content})").
type InputMessage struct {
	Tag     string
	Content []byte
}

type envelope struct {
	Sender   model.ExecutorKey `json:"sender"`
	Receiver model.ExecutorKey `json:"receiver"`
	Tag      string            `json:"tag"`
	Content  []byte            `json:"content"`
}

// subject is the NATS subject for a given tag (spec §A: "subject
// sc.msgr.<tag>").
func subject(tag string) string {
	return "sc.msgr." + tag
}

// subscription is the subset of *nats.Subscription the session needs,
// factored out so tests can supply a fake transport instead of a live
// NATS server.
type subscription interface {
	Unsubscribe() error
}

// natsConn is the subset of *nats.Conn the session needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Session is the messenger adapter of spec §4.F.
type Session struct {
	mu sync.Mutex

	self        model.ExecutorKey
	nc          natsConn
	logger      *zerolog.Logger
	restartWait time.Duration

	state         State
	subscriptions map[string]subscription
	writeQueue    []OutputMessage
	writing       bool

	onMessage func(InputMessage)

	closed bool
}

// NewSession constructs a messenger session bound to a NATS connection.
// onMessage is invoked on the NATS client's own goroutine for each message
// addressed to self (or broadcast); the caller is responsible for
// marshalling delivery onto its own event loop, matching the handoff
// async-query sinks perform elsewhere in this codebase.
func NewSession(nc *nats.Conn, self model.ExecutorKey, restartWait time.Duration, logger *zerolog.Logger, onMessage func(InputMessage)) *Session {
	return newSession(nc, self, restartWait, logger, onMessage)
}

func newSession(nc natsConn, self model.ExecutorKey, restartWait time.Duration, logger *zerolog.Logger, onMessage func(InputMessage)) *Session {
	return &Session{
		self:          self,
		nc:            nc,
		logger:        logger,
		restartWait:   restartWait,
		subscriptions: make(map[string]subscription),
		onMessage:     onMessage,
	}
}

// Open transitions IDLE → OPENING → ACTIVE, the initial session start.
func (s *Session) Open() {
	s.mu.Lock()
	if s.state != Idle && s.state != RestartWait {
		s.mu.Unlock()
		return
	}
	s.state = Opening
	tags := make([]string, 0, len(s.subscriptions))
	for tag := range s.subscriptions {
		tags = append(tags, tag)
	}
	s.mu.Unlock()

	for _, tag := range tags {
		if err := s.subscribeLocked(tag); err != nil {
			s.restart(err)
			return
		}
	}

	s.mu.Lock()
	s.state = Active
	s.mu.Unlock()

	s.flush()
}

// Subscribe queues a server-side subscription for tag (spec §4.F:
// "subscribe(tag): queue a server-side subscription").
func (s *Session) Subscribe(tag string) error {
	s.mu.Lock()
	if _, exists := s.subscriptions[tag]; exists {
		s.mu.Unlock()
		return nil
	}
	s.subscriptions[tag] = nil
	active := s.state == Active
	s.mu.Unlock()

	if !active {
		return nil
	}
	if err := s.subscribeLocked(tag); err != nil {
		s.restart(err)
		return err
	}
	return nil
}

func (s *Session) subscribeLocked(tag string) error {
	sub, err := s.nc.Subscribe(subject(tag), func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			if s.logger != nil {
				s.logger.Warn().Err(err).Str("tag", tag).Msg("malformed messenger envelope, dropped")
			}
			return
		}
		if env.Receiver != (model.ExecutorKey{}) && env.Receiver != s.self {
			return // not addressed to us; NATS has no peer-unicast (spec §A)
		}
		s.onMessage(InputMessage{Tag: env.Tag, Content: env.Content})
	})
	if err != nil {
		return fmt.Errorf("messenger: subscribe %s: %w", tag, err)
	}
	s.mu.Lock()
	s.subscriptions[tag] = sub
	s.mu.Unlock()
	return nil
}

// Send queues an outbound message; the write pipeline delivers at most one
// outstanding write at a time (spec §4.F).
func (s *Session) Send(msg OutputMessage) {
	s.mu.Lock()
	s.writeQueue = append(s.writeQueue, msg)
	s.mu.Unlock()
	s.flush()
}

// flush drains the outbound message queue one message at a time (spec
// §4.F: one outstanding write at a time). Tag subscriptions do not pass
// through this queue; they are issued by subscribeLocked.
func (s *Session) flush() {
	for {
		s.mu.Lock()
		if s.writing || s.state != Active || len(s.writeQueue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.writing = true
		s.mu.Unlock()

		err := s.publish(msg)

		s.mu.Lock()
		s.writing = false
		s.mu.Unlock()

		if err != nil {
			s.restart(err)
			return
		}
	}
}

func (s *Session) publish(msg OutputMessage) error {
	env := envelope{Sender: s.self, Receiver: msg.Receiver, Tag: msg.Tag, Content: msg.Content}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messenger: marshal envelope: %w", err)
	}
	if err := s.nc.Publish(subject(msg.Tag), data); err != nil {
		return fmt.Errorf("messenger: publish: %w", err)
	}
	return nil
}

// restart drops in-flight writes' completion state, preserves the queues,
// and schedules a full session restart after the fixed restart wait (spec
// §4.F: "each read error triggers full session restart (drop in-flight
// writes, preserve queues)").
func (s *Session) restart(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.logger != nil {
		s.logger.Error().Err(cause).Msg("messenger session error, restarting")
	}
	for _, sub := range s.subscriptions {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	for tag := range s.subscriptions {
		s.subscriptions[tag] = nil
	}
	s.state = RestartWait
	wait := s.restartWait
	s.writing = false
	s.mu.Unlock()

	time.AfterFunc(wait, s.Open)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears the session down permanently.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	for _, sub := range s.subscriptions {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	s.state = Idle
	s.mu.Unlock()
}
