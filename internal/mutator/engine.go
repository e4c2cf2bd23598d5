package mutator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/9triver/mutator/internal/loader"
	"github.com/9triver/mutator/internal/protocol"
)

type (
	MapperData = protocol.MapperData
	LaunchInfo = protocol.LaunchInfo
)

// OptionKind selects one of the boolean mutation settings.
type OptionKind int

const (
	OptionShuffle OptionKind = iota
	OptionPartition
	OptionVerifyPartition
)

func (k OptionKind) String() string {
	switch k {
	case OptionShuffle:
		return "shuffle"
	case OptionPartition:
		return "partition"
	case OptionVerifyPartition:
		return "verify_partition"
	default:
		return fmt.Sprintf("option(%d)", int(k))
	}
}

// ProceedResult is the outcome of the finalize exchange. Binaries belong to the caller.
type ProceedResult struct {
	Succeeded bool
	Data      json.RawMessage
	Binaries  [][]byte
}

// Authenticate sends the credentials and reports whether the server accepted them.
// A rejected attempt leaves the session CONNECTED so it can be retried.
func (s *Session) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if err := s.begin("authenticate", StageConnected); err != nil {
		return false, err
	}
	defer s.end()

	var status int
	req := protocol.NewAuthRequest(s.slots.SessionID(), username, password)
	if err := s.roundTrip(ctx, "authenticate", req, s.slots.takeStatus(&status)); err != nil {
		return false, err
	}
	if status != 0 {
		s.log.Warnf("Authentication rejected with status %d", status)
		return false, nil
	}
	s.transition(StageAuthenticated)
	return true, nil
}

// LoadInputs scans dir and latches the result for Initialize.
func (s *Session) LoadInputs(dir string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurableLocked("load_inputs"); err != nil {
		return StatusUnknown, err
	}

	inputs, status := loader.Load(dir, s.opts.Loader)
	s.inputs = inputs
	s.loadStatus = status
	s.loaded = true
	if status != StatusSuccess {
		s.log.Warnf("Loading %s failed: %s", dir, status)
	} else {
		s.log.Infof("Loaded %s (%d bytes) and %s", inputs.BinPath, len(inputs.Binary), inputs.MapPath)
	}
	return status, nil
}

// SetInputs latches already loaded inputs as SUCCESS.
func (s *Session) SetInputs(inputs loader.Inputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurableLocked("set_inputs"); err != nil {
		return err
	}
	s.inputs = &inputs
	s.loadStatus = StatusSuccess
	s.loaded = true
	return nil
}

// SetOption changes one mutation setting. It has no network effect.
func (s *Session) SetOption(kind OptionKind, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurableLocked("configure"); err != nil {
		return err
	}
	switch kind {
	case OptionShuffle:
		s.settings.Shuffle = enabled
	case OptionPartition:
		s.settings.Partition = enabled
	case OptionVerifyPartition:
		s.settings.VerifyPartition = enabled
	default:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, kind)
	}
	s.markConfiguredLocked()
	return nil
}

// AddCallback registers handler for kind, replacing an earlier registration.
func (s *Session) AddCallback(kind CallbackKind, handler CallbackHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurableLocked("add_callback"); err != nil {
		return err
	}
	if err := s.registry.add(kind, handler); err != nil {
		return err
	}
	s.markConfiguredLocked()
	return nil
}

func (s *Session) configurableLocked(op string) error {
	if s.stage == StageClosed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, op)
	}
	if s.locked || s.stage >= StageInitialized {
		return fmt.Errorf("%w: %s", ErrConfigurationLocked, op)
	}
	return nil
}

func (s *Session) markConfiguredLocked() {
	if s.stage == StageAuthenticated {
		s.stage = StageConfigured
		s.log.Infof("Session stage %s -> %s", StageAuthenticated, StageConfigured)
	}
}

// Initialize uploads the map and binary. A failed local load is returned without a
// round-trip and closes the channel. Remote statuses are returned as values.
func (s *Session) Initialize(ctx context.Context) (Status, error) {
	if err := s.begin("initialize", StageAuthenticated, StageConfigured); err != nil {
		return StatusUnknown, err
	}

	s.mu.Lock()
	status := s.loadStatus
	if !s.loaded {
		status = StatusMissingMap
	}
	inputs := s.inputs
	settings := s.settings
	s.locked = true
	s.mu.Unlock()

	if status != StatusSuccess {
		s.end()
		s.log.Warnf("Initialize short-circuited: %s", status)
		s.Close()
		return status, nil
	}
	defer s.end()

	settings.Callbacks = s.registry.kinds()
	req := protocol.NewInitializeRequest(s.slots.SessionID(), inputs.MapText, inputs.Binary, settings)

	var remote int
	if err := s.roundTrip(ctx, "initialize", req, s.slots.takeStatus(&remote)); err != nil {
		s.unlock()
		return StatusUnknown, err
	}

	status = Status(remote)
	if status != StatusSuccess {
		s.unlock()
		s.log.Warnf("Initialize rejected: %s", status)
		return status, nil
	}
	s.transition(StageInitialized)
	return status, nil
}

func (s *Session) unlock() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// GetMapperData fetches the layout and import list the caller has to resolve.
func (s *Session) GetMapperData(ctx context.Context) (*MapperData, error) {
	if err := s.begin("get_mapper_data", StageInitialized); err != nil {
		return nil, err
	}
	defer s.end()

	var (
		status   *int
		response *protocol.Envelope
	)
	req := protocol.NewFetchMapperRequest(s.slots.SessionID())
	if err := s.roundTrip(ctx, "get_mapper_data", req, s.slots.takeEither(&status, &response)); err != nil {
		return nil, err
	}

	if response == nil {
		if *status != 0 {
			return nil, &RemoteStatusError{Op: "get_mapper_data", Status: *status}
		}
		return nil, fmt.Errorf("%w: get_mapper_data got status 0 without data", ErrUnexpectedReply)
	}
	if response.Type != protocol.TypeMutationData {
		return nil, fmt.Errorf("%w: get_mapper_data got %s", ErrUnexpectedReply, response.Type)
	}
	md, err := protocol.DecodeMapperData(response.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}

	s.log.Infof("Mapper data: client %d, %d regions, %d imports from %d modules",
		md.ClientID, len(md.Sizes), md.ImportCount(), len(md.Imports))
	s.transition(StageMetadataFetched)
	return md, nil
}

// Proceed submits the resolved bases and imports and waits for the final binaries.
// Callbacks the server issues meanwhile are handled by the registered handlers.
func (s *Session) Proceed(ctx context.Context, info *LaunchInfo) (*ProceedResult, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: nil launch info", ErrInvalidArgument)
	}
	if err := s.begin("proceed", StageMetadataFetched); err != nil {
		return nil, err
	}
	defer s.end()

	var (
		status   *int
		response *protocol.Envelope
	)
	req := protocol.NewProceedRequest(s.slots.SessionID(), info)
	if err := s.roundTrip(ctx, "proceed", req, s.slots.takeEither(&status, &response)); err != nil {
		return nil, err
	}

	if response == nil {
		if *status != 0 {
			return nil, &RemoteStatusError{Op: "proceed", Status: *status}
		}
		return nil, fmt.Errorf("%w: proceed got status 0 without data", ErrUnexpectedReply)
	}
	if response.Type != protocol.TypeFinalize {
		return nil, fmt.Errorf("%w: proceed got %s", ErrUnexpectedReply, response.Type)
	}

	result := &ProceedResult{
		Succeeded: response.Succeeded != nil && *response.Succeeded,
		Data:      response.Data,
		Binaries:  make([][]byte, 0, len(response.PEBin)),
	}
	for _, bin := range response.PEBin {
		result.Binaries = append(result.Binaries, []byte(bin))
	}

	s.transition(StageFinalized)
	if result.Succeeded {
		s.log.Infof("Proceed succeeded with %d binaries", len(result.Binaries))
	} else {
		s.log.Warn("Proceed reported failure")
	}
	return result, nil
}
