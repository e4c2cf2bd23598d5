package mutator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/9triver/mutator/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory Channel. script plays the server: it sees every
// frame the client sends and returns the frames to deliver in response.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	raw     [][]byte
	inbound chan []byte
	closed  bool
	err     error
	script  func(env *protocol.Envelope) []string
}

func newFakeChannel(script func(env *protocol.Envelope) []string) *fakeChannel {
	return &fakeChannel{inbound: make(chan []byte, 64), script: script}
}

func (f *fakeChannel) Send(_ context.Context, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("fake channel closed")
	}
	f.sent = append(f.sent, env)
	f.raw = append(f.raw, append([]byte(nil), data...))
	script := f.script
	f.mu.Unlock()

	if script != nil {
		f.deliver(script(env)...)
	}
	return nil
}

func (f *fakeChannel) deliver(frames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, frame := range frames {
		f.inbound <- []byte(frame)
	}
}

func (f *fakeChannel) Inbound() <-chan []byte { return f.inbound }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Close() error {
	f.fail(nil)
	return nil
}

// fail ends the inbound stream the way a dropped connection does.
func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.inbound)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) sentFrames() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.sent...)
}

func (f *fakeChannel) sentOfType(t protocol.MessageType) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range f.sentFrames() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// connectedSession returns a CONNECTED session over a fake channel.
func connectedSession(t *testing.T, script func(env *protocol.Envelope) []string, opts ...Option) (*Session, *fakeChannel) {
	t.Helper()
	fake := newFakeChannel(script)
	s := New(func(context.Context) (Channel, error) { return fake, nil }, opts...)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, fake
}

// authenticatedSession additionally runs a successful authentication.
func authenticatedSession(t *testing.T, script func(env *protocol.Envelope) []string, opts ...Option) (*Session, *fakeChannel) {
	t.Helper()
	wrapped := func(env *protocol.Envelope) []string {
		if env.Type == protocol.TypeHandshake {
			return []string{`{"type":0,"session_id":"sess-1","status":0}`}
		}
		if script == nil {
			return nil
		}
		return script(env)
	}
	s, fake := connectedSession(t, wrapped, opts...)
	ok, err := s.Authenticate(context.Background(), "user", "pass")
	require.NoError(t, err)
	require.True(t, ok)
	return s, fake
}
