package mutator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/9triver/mutator/internal/protocol"
)

type CallbackKind = protocol.CallbackKind

const (
	CallbackExportInit = protocol.CallbackExportInit
	CallbackExportMmap = protocol.CallbackExportMmap
	CallbackMmapStart  = protocol.CallbackMmapStart
	CallbackMmapEnd    = protocol.CallbackMmapEnd
)

// Callback is the value a handler receives. It is either *ExportCall or LifecycleCall.
type Callback interface {
	Kind() CallbackKind
}

// ExportCall is passed to EXPORT_INIT / EXPORT_MMAP handlers. Size and Data are
// sent back to the server once the handler returns.
type ExportCall struct {
	kind CallbackKind
	Name string
	Size uint64
	Data []byte
}

func (c *ExportCall) Kind() CallbackKind { return c.kind }

// SetData replaces the payload and sets Size to its length.
func (c *ExportCall) SetData(data []byte) {
	c.Data = data
	c.Size = uint64(len(data))
}

// payload returns the size and bytes put on the wire; size never exceeds len(data)
// and data is cut to size when the handler shortened it.
func (c *ExportCall) payload() (uint64, []byte, bool) {
	n := uint64(len(c.Data))
	if c.Size == n {
		return n, c.Data, true
	}
	if c.Size < n {
		return c.Size, c.Data[:c.Size], false
	}
	return n, c.Data, false
}

// LifecycleCall notifies MMAP_START / MMAP_END. No reply is sent.
type LifecycleCall struct {
	kind CallbackKind
}

func (c LifecycleCall) Kind() CallbackKind { return c.kind }

// CallbackHandler runs on the channel's delivery goroutine and must not call
// blocking Session operations.
type CallbackHandler func(ctx context.Context, call Callback)

type callbackRegistry struct {
	mu       sync.RWMutex
	handlers map[CallbackKind]CallbackHandler
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{handlers: make(map[CallbackKind]CallbackHandler)}
}

func (r *callbackRegistry) add(kind CallbackKind, handler CallbackHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidArgument, kind)
	}
	if kind < CallbackExportInit || kind > CallbackMmapEnd {
		return fmt.Errorf("%w: unknown callback kind %d", ErrInvalidArgument, int(kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	return nil
}

func (r *callbackRegistry) lookup(kind CallbackKind) (CallbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// kinds lists the registered kinds in ascending order for the initialize settings.
func (r *callbackRegistry) kinds() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, int(k))
	}
	sort.Ints(out)
	return out
}

func newCallback(env *protocol.Envelope) Callback {
	kind := *env.Callback
	if !kind.IsExport() {
		return LifecycleCall{kind: kind}
	}
	call := &ExportCall{kind: kind, Data: []byte{}}
	if env.Name != nil {
		call.Name = *env.Name
	}
	return call
}
