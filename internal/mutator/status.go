package mutator

import (
	"errors"
	"fmt"

	"github.com/9triver/mutator/internal/loader"
)

// Status is the outcome of Initialize, shared with the local loader.
type Status = loader.Status

const (
	StatusSuccess     = loader.StatusSuccess
	StatusInvalidFile = loader.StatusInvalidFile
	StatusMissingMap  = loader.StatusMissingMap
	StatusMissingBin  = loader.StatusMissingBin
	StatusInvalidBin  = loader.StatusInvalidBin
	StatusUnknown     = loader.StatusUnknown
)

var (
	ErrNotConnected        = errors.New("mutator: not connected")
	ErrConnectionClosed    = errors.New("mutator: connection closed")
	ErrTimeout             = errors.New("mutator: request timed out")
	ErrStageOrder          = errors.New("mutator: operation called out of order")
	ErrRequestInFlight     = errors.New("mutator: another request is in flight")
	ErrConfigurationLocked = errors.New("mutator: configuration is locked after initialize")
	ErrUnexpectedReply     = errors.New("mutator: unexpected reply")
	ErrInvalidArgument     = errors.New("mutator: invalid argument")
)

// RemoteStatusError is a non-zero status returned where data was expected.
type RemoteStatusError struct {
	Op     string
	Status int
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("mutator: %s rejected by server (status %d)", e.Op, e.Status)
}
