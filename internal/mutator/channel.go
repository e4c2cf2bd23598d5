package mutator

import "context"

// Channel is the transport a session runs over. Inbound must be closed when the
// connection ends; Err then reports why.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Inbound() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens a channel. It returns once the connection is open.
type Dialer func(ctx context.Context) (Channel, error)
