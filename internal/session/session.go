// Package session drives one WebSocket client: a handshake on open, then two
// independent timers. The keepalive timer sends a liveness token; the poll
// timer compares the shared store version against the last one pushed and
// sends the payload when it moved.
//
// A session owns its connection for writing. Run is the only goroutine that
// writes after Open returns.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/wire"
	"github.com/keithlinneman/wsexec/internal/xerrors"
)

const (
	DefaultKeepalive    = 1000 * time.Millisecond
	DefaultPollInitial  = 100 * time.Millisecond
	DefaultPollInterval = 200 * time.Millisecond
	DefaultVersion      = "0.1"

	// TextMessage matches websocket.TextMessage.
	TextMessage = 1
)

// Message kinds reported to the Observer.
const (
	KindHandshake = "handshake"
	KindKeepalive = "keepalive"
	KindPayload   = "payload"
)

var (
	ErrClosed  = errors.New("session closed")
	ErrNotOpen = errors.New("session not open")
)

// Conn is the write side of a client connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// deadliner is implemented by *websocket.Conn.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Reader is the store surface a session polls.
type Reader interface {
	Read() (uint32, string)
}

// Observer receives per-message outcomes. Optional.
type Observer interface {
	OnSent(kind string)
	OnSendFailure(kind string)
}

type Options struct {
	Conn         Conn
	Store        Reader
	Codec        wire.Codec
	Clock        clockwork.Clock
	Keepalive    time.Duration
	PollInitial  time.Duration
	PollInterval time.Duration
	Version      string
	Logger       log.Logger
	Metrics      Observer
	WriteTimeout time.Duration
}

type Session struct {
	opts Options

	state    atomic.Int32
	lastSeen atomic.Uint32

	mu        sync.Mutex
	keepalive clockwork.Timer
	poll      clockwork.Timer

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a session in the Connecting state. Zero durations and a nil
// codec, clock or logger take their defaults.
func New(opts Options) *Session {
	if opts.Codec == nil {
		opts.Codec = wire.Raw
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = DefaultPollInitial
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	s := &Session{opts: opts, done: make(chan struct{})}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// LastSeen is the store version most recently pushed, or the version observed
// at Open when nothing has been pushed yet.
func (s *Session) LastSeen() uint32 { return s.lastSeen.Load() }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Open seeds the cursor from the store, sends the handshake and arms both
// timers. A failed handshake closes the session.
func (s *Session) Open() error {
	if !s.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		return ErrNotOpen
	}

	v, _ := s.opts.Store.Read()
	s.lastSeen.Store(v)

	if err := s.send(KindHandshake, s.opts.Codec.Handshake(s.opts.Version)); err != nil {
		s.Close()
		return xerrors.Wrap(err, "send handshake")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Open {
		return ErrClosed
	}
	s.keepalive = s.opts.Clock.NewTimer(s.opts.Keepalive)
	s.poll = s.opts.Clock.NewTimer(s.opts.PollInitial)
	return nil
}

// Run services both timers until ctx is cancelled, Close is called, or a send
// fails. Only a send failure is returned as an error. The session is Closed
// when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	keepalive, poll := s.keepalive, s.poll
	s.mu.Unlock()
	if s.State() != Open || keepalive == nil {
		return ErrNotOpen
	}
	defer func() {
		s.Close()
		// a concurrent Close can land between a firing and its Reset
		keepalive.Stop()
		poll.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-keepalive.Chan():
			if err := s.Keepalive(); err != nil {
				return err
			}
			keepalive.Reset(s.opts.Keepalive)
		case <-poll.Chan():
			if _, err := s.Poll(); err != nil {
				return err
			}
			poll.Reset(s.opts.PollInterval)
		}
	}
}

// Keepalive sends one keepalive token.
func (s *Session) Keepalive() error {
	if s.State() != Open {
		return ErrClosed
	}
	if err := s.send(KindKeepalive, s.opts.Codec.Keepalive()); err != nil {
		s.Close()
		return xerrors.Wrap(err, "send keepalive")
	}
	return nil
}

// Poll pushes the current payload if the store version differs from the last
// one seen. Intermediate versions written between polls are never sent.
func (s *Session) Poll() (bool, error) {
	if s.State() != Open {
		return false, ErrClosed
	}
	v, payload := s.opts.Store.Read()
	if v == s.lastSeen.Load() {
		return false, nil
	}
	if err := s.send(KindPayload, s.opts.Codec.Payload(payload)); err != nil {
		s.Close()
		return false, xerrors.Wrapf(err, "send payload for version %d", v)
	}
	s.lastSeen.Store(v)
	return true, nil
}

// Close moves the session to Closed, stops both timers and closes the
// connection. Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		s.mu.Lock()
		if s.keepalive != nil {
			s.keepalive.Stop()
		}
		if s.poll != nil {
			s.poll.Stop()
		}
		s.mu.Unlock()
		close(s.done)
		if s.opts.Conn != nil {
			_ = s.opts.Conn.Close()
		}
	})
}

func (s *Session) send(kind string, msg []byte) error {
	if s.opts.WriteTimeout > 0 {
		if d, ok := s.opts.Conn.(deadliner); ok {
			_ = d.SetWriteDeadline(s.opts.Clock.Now().Add(s.opts.WriteTimeout))
		}
	}
	if err := s.opts.Conn.WriteMessage(TextMessage, msg); err != nil {
		if s.opts.Metrics != nil {
			s.opts.Metrics.OnSendFailure(kind)
		}
		return err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.OnSent(kind)
	}
	return nil
}
