package mutator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/9triver/mutator/internal/protocol"
)

// slots is the state shared between the caller and the delivery goroutine: the
// session id and the two completion slots. Every update closes the current
// `changed` channel so waiters re-check without polling.
type slots struct {
	mu        sync.Mutex
	changed   chan struct{}
	sessionID string
	status    *int
	response  *protocol.Envelope
	closed    bool
	closeErr  error
}

func newSlots() *slots {
	return &slots{changed: make(chan struct{})}
}

func (s *slots) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *slots) setSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.notifyLocked()
}

func (s *slots) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *slots) setStatus(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &v
	s.notifyLocked()
}

func (s *slots) setResponse(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = env
	s.notifyLocked()
}

// reset empties both completion slots before a new request goes out.
func (s *slots) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = nil
	s.response = nil
}

func (s *slots) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	s.notifyLocked()
}

func (s *slots) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// wait blocks until take (called with the lock held) reports that it consumed a
// completion, the channel closes, or ctx ends.
func (s *slots) wait(ctx context.Context, take func() bool) error {
	for {
		s.mu.Lock()
		if take() {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			if err == nil || errors.Is(err, ErrConnectionClosed) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		}
	}
}

// takeStatus returns a take func that moves the status slot into out.
func (s *slots) takeStatus(out *int) func() bool {
	return func() bool {
		if s.status == nil {
			return false
		}
		*out = *s.status
		s.status = nil
		return true
	}
}

// takeResponse returns a take func that moves the response slot into out.
func (s *slots) takeResponse(out **protocol.Envelope) func() bool {
	return func() bool {
		if s.response == nil {
			return false
		}
		*out = s.response
		s.response = nil
		return true
	}
}

// takeEither moves whichever slot is filled first. A response wins over a status.
func (s *slots) takeEither(status **int, response **protocol.Envelope) func() bool {
	return func() bool {
		if s.response != nil {
			*response = s.response
			s.response = nil
			return true
		}
		if s.status != nil {
			v := *s.status
			*status = &v
			s.status = nil
			return true
		}
		return false
	}
}
