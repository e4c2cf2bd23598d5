package mutator

import (
	"context"

	"github.com/9triver/mutator/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Router handles every inbound frame of one session, in delivery order, on the
// channel's delivery goroutine.
type Router struct {
	slots    *slots
	registry *callbackRegistry
	send     func(ctx context.Context, data []byte) error
	log      *logrus.Entry
	stats    *stats
}

func newRouter(sl *slots, registry *callbackRegistry, send func(context.Context, []byte) error, log *logrus.Entry) *Router {
	return &Router{
		slots:    sl,
		registry: registry,
		send:     send,
		log:      log,
		stats:    &stats{},
	}
}

// Route decodes one frame and applies it. Frames that cannot be routed are dropped
// and counted; they never change session state.
func (r *Router) Route(ctx context.Context, frame []byte) {
	RegisterMetrics()

	env, err := protocol.Decode(frame)
	if err != nil {
		r.drop(DropUndecodable, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		if env.SessionID == "" && env.Status == nil {
			r.drop(DropIncomplete, "handshake without session_id or status")
			return
		}
		if env.SessionID != "" {
			r.slots.setSessionID(env.SessionID)
		}
		if env.Status != nil {
			r.slots.setStatus(*env.Status)
		}
	case protocol.TypeInitialize, protocol.TypeMapperData:
		if env.Status == nil {
			r.drop(DropIncomplete, env.Type.String()+" without status")
			return
		}
		r.slots.setStatus(*env.Status)
	case protocol.TypeMutationData:
		if !protocol.IsObject(env.Data) {
			r.drop(DropIncomplete, "mutation data without data object")
			return
		}
		r.slots.setResponse(env)
	case protocol.TypeFinalize:
		r.slots.setResponse(env)
	case protocol.TypeCallback:
		if !r.dispatchCallback(ctx, env) {
			return
		}
	default:
		r.drop(DropUnknownType, env.Type.String())
		return
	}

	r.stats.routed.Add(1)
	routedFrames.WithLabelValues(env.Type.String()).Inc()
}

// dispatchCallback runs the registered handler and, for export kinds, answers with
// the handler's size and data. It never touches the completion slots.
func (r *Router) dispatchCallback(ctx context.Context, env *protocol.Envelope) bool {
	if env.Callback == nil {
		r.drop(DropIncomplete, "callback without kind")
		return false
	}
	kind := *env.Callback
	handler, ok := r.registry.lookup(kind)
	if !ok {
		r.drop(DropUnregistered, kind.String())
		return false
	}

	call := newCallback(env)
	r.invoke(ctx, handler, call)
	r.stats.callbacksRun.Add(1)
	callbacksHandled.WithLabelValues(kind.String()).Inc()

	export, ok := call.(*ExportCall)
	if !ok {
		r.log.Debugf("Callback %s handled", kind)
		return true
	}

	size, data, consistent := export.payload()
	if !consistent {
		r.log.Debugf("Callback %s(%s) size %d does not match %d data bytes, sending %d", kind, export.Name, export.Size, len(export.Data), size)
	}
	reply, err := protocol.Encode(protocol.NewCallbackReply(r.slots.SessionID(), kind, size, data))
	if err != nil {
		r.log.Errorf("Failed to encode %s reply: %v", kind, err)
		return true
	}
	if err := r.send(ctx, reply); err != nil {
		r.log.Errorf("Failed to send %s reply: %v", kind, err)
		return true
	}
	r.stats.callbackReplies.Add(1)
	r.log.Debugf("Callback %s(%s) answered with %d bytes", kind, export.Name, size)
	return true
}

func (r *Router) invoke(ctx context.Context, handler CallbackHandler, call Callback) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("Callback %s handler panicked: %v", call.Kind(), p)
		}
	}()
	handler(ctx, call)
}

func (r *Router) drop(reason, detail string) {
	r.stats.dropped.Add(1)
	droppedFrames.WithLabelValues(reason).Inc()
	r.log.WithField("reason", reason).Debugf("Dropped inbound frame: %s", detail)
}

// Stats returns the router counters.
func (r *Router) Stats() Stats { return r.stats.snapshot() }
