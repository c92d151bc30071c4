package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a socket session
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type closeReason struct {
	code int
	text string
}

var (
	closeNormal       = closeReason{websocket.CloseNormalClosure, ""}
	closeSlowConsumer = closeReason{websocket.ClosePolicyViolation, "slow consumer"}
	closeShutdown     = closeReason{websocket.CloseGoingAway, "server shutting down"}
)

// Session is one socket connection. Frames are written only by its writer
// goroutine, which drains send.
type Session struct {
	ID       string
	Identity domain.Identity
	Profile  domain.Profile

	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	state atomic.Int32

	closeOnce sync.Once
	reason    closeReason

	// guarded by Hub.mu
	rooms map[string]struct{}
}

func newSession(id string, sendBuffer int) *Session {
	return &Session{
		ID:    id,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) authenticate(identity domain.Identity, profile domain.Profile) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return fmt.Errorf("cannot authenticate session in state %s", s.State())
	}
	s.Identity = identity
	s.Profile = profile
	return nil
}

// enqueue hands a frame to the writer without blocking. It reports false
// when the send buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close moves the session to StateClosed once. The writer sends the close
// frame and releases the connection.
func (s *Session) close(reason closeReason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}
