package mutator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/9triver/mutator/internal/loader"
	"github.com/9triver/mutator/internal/protocol"
	"github.com/9triver/mutator/internal/util"
	"github.com/sirupsen/logrus"
)

// Session is one mutation run over one channel. Blocking methods must be called
// from a single caller goroutine; a second concurrent request is rejected.
type Session struct {
	id       string
	dialer   Dialer
	opts     Options
	log      *logrus.Entry
	slots    *slots
	registry *callbackRegistry
	router   *Router

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	stage        Stage
	reached      Stage
	channel      Channel
	dispatchDone chan struct{}
	inputs       *loader.Inputs
	loadStatus   Status
	loaded       bool
	settings     protocol.Settings
	locked       bool
	inflight     bool
}

// New creates a session in stage CREATED. Nothing is sent until Connect.
func New(dialer Dialer, opts ...Option) *Session {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.ApplyDefaults()
	if o.RunID == "" {
		o.RunID = util.NewRunID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       o.RunID,
		dialer:   dialer,
		opts:     o,
		log:      o.Logger.WithFields(logrus.Fields{"component": "mutator", "run": o.RunID}),
		slots:    newSlots(),
		registry: newCallbackRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		stage:    StageCreated,
		reached:  StageCreated,
	}
	s.router = newRouter(s.slots, s.registry, s.send, s.log)
	return s
}

// ID is the local run id, not the server session id.
func (s *Session) ID() string { return s.id }

// SessionID is the id issued by the server, empty until the first handshake frame.
func (s *Session) SessionID() string { return s.slots.SessionID() }

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Reached is the last stage before the session was closed, or the current stage
// while it is open.
func (s *Session) Reached() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reached
}

func (s *Session) Stats() Stats { return s.router.Stats() }

// Connect opens the channel and starts delivering inbound frames to the router.
func (s *Session) Connect(ctx context.Context) error {
	if s.dialer == nil {
		return fmt.Errorf("%w: nil dialer", ErrInvalidArgument)
	}
	if err := s.begin("connect", StageCreated); err != nil {
		return err
	}
	defer s.end()

	started := time.Now()
	dialCtx, cancel := withTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	ch, err := s.dialer(dialCtx)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		recordRequest("connect", started, err)
		return fmt.Errorf("mutator: connect: %w", err)
	}
	recordRequest("connect", started, nil)

	done := make(chan struct{})
	s.mu.Lock()
	s.channel = ch
	s.dispatchDone = done
	s.mu.Unlock()

	go s.dispatch(ch, done)
	s.transition(StageConnected)
	return nil
}

// dispatch is the delivery goroutine: frames are routed strictly in arrival order.
func (s *Session) dispatch(ch Channel, done chan struct{}) {
	defer close(done)
	for frame := range ch.Inbound() {
		s.router.Route(s.ctx, frame)
	}
	err := ch.Err()
	s.slots.close(err)
	if err != nil {
		s.log.Debugf("Inbound stream ended: %v", err)
	}
}

// Close tears down the channel and waits for the delivery goroutine. It must not
// be called from a callback handler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.stage == StageClosed {
		s.mu.Unlock()
		return nil
	}
	ch, done := s.channel, s.dispatchDone
	s.stage = StageClosed
	s.mu.Unlock()

	s.cancel()
	s.slots.close(ErrConnectionClosed)

	var err error
	if ch != nil {
		err = ch.Close()
	}
	if done != nil {
		<-done
	}
	s.log.Info("Session closed")
	return err
}

// send writes one frame. It is used both by requests and by callback replies.
func (s *Session) send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// begin claims the single request slot if the session is in one of the allowed stages.
func (s *Session) begin(op string, allowed ...Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return fmt.Errorf("%w: %s", ErrRequestInFlight, op)
	}
	if s.stage == StageClosed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, op)
	}
	if !stageIn(s.stage, allowed) {
		return stageError(op, s.stage, allowed...)
	}
	if s.stage != StageCreated && s.slots.isClosed() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, op)
	}
	s.inflight = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *Session) transition(to Stage) {
	s.mu.Lock()
	from := s.stage
	if from == StageClosed {
		s.mu.Unlock()
		return
	}
	s.stage = to
	if to != StageClosed {
		s.reached = to
	}
	s.mu.Unlock()
	if from != to {
		s.log.Infof("Session stage %s -> %s", from, to)
	}
}

// roundTrip empties the completion slots, sends msg and waits until take succeeds.
func (s *Session) roundTrip(ctx context.Context, op string, msg any, take func() bool) (err error) {
	started := time.Now()
	defer func() { recordRequest(op, started, err) }()

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	reqCtx, cancel := withTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	s.slots.reset()
	if err = s.send(reqCtx, data); err != nil {
		return fmt.Errorf("mutator: %s: %w", op, err)
	}
	s.log.Debugf("Sent %s request (%d bytes)", op, len(data))

	if err = s.slots.wait(reqCtx, take); err != nil {
		return fmt.Errorf("mutator: %s: %w", op, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func stageIn(stage Stage, allowed []Stage) bool {
	for _, a := range allowed {
		if stage == a {
			return true
		}
	}
	return false
}
