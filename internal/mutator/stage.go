package mutator

import "fmt"

// Stage is the caller-visible position of a session in its lifecycle.
type Stage int

const (
	StageCreated Stage = iota
	StageConnected
	StageAuthenticated
	StageConfigured
	StageInitialized
	StageMetadataFetched
	StageFinalized
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "CREATED"
	case StageConnected:
		return "CONNECTED"
	case StageAuthenticated:
		return "AUTHENTICATED"
	case StageConfigured:
		return "CONFIGURED"
	case StageInitialized:
		return "INITIALIZED"
	case StageMetadataFetched:
		return "METADATA_FETCHED"
	case StageFinalized:
		return "FINALIZED"
	case StageClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
}

func stageError(op string, have Stage, want ...Stage) error {
	return fmt.Errorf("%w: %s requires stage %v, session is %s", ErrStageOrder, op, want, have)
}
