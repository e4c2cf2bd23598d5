package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrMissingType    = errors.New("protocol: missing or invalid type")
)

// Envelope is a decoded inbound frame. Optional scalars are pointers so that an
// absent field can be told apart from its zero value.
type Envelope struct {
	Type      MessageType     `json:"-"`
	Session   string          `json:"session,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	Password  string          `json:"password,omitempty"`
	Status    *int            `json:"status,omitempty"`
	Map       string          `json:"map,omitempty"`
	PE        Bytes           `json:"pe,omitempty"`
	Settings  *Settings       `json:"settings,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Succeeded *bool           `json:"succeeded,omitempty"`
	PEBin     []Bytes         `json:"pe_bin,omitempty"`
	Callback  *CallbackKind   `json:"callback,omitempty"`
	Name      *string         `json:"name,omitempty"`
	Size      *uint64         `json:"size,omitempty"`
	Bin       Bytes           `json:"bin,omitempty"`
}

// Decode parses one frame. The type field must be a non-negative integer literal.
func Decode(frame []byte) (*Envelope, error) {
	var probe struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(probe.Type) == 0 {
		return nil, ErrMissingType
	}
	t, err := strconv.ParseUint(string(probe.Type), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingType, probe.Type)
	}

	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env.Type = MessageType(t)
	return env, nil
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Settings are the mutation options sent with the initialize request.
type Settings struct {
	Shuffle         bool  `json:"shuffle"`
	Partition       bool  `json:"partition"`
	VerifyPartition bool  `json:"verify_partition"`
	Callbacks       []int `json:"callbacks"`
}

// AuthRequest is the client->server type 0 message.
type AuthRequest struct {
	Type     MessageType `json:"type"`
	Session  string      `json:"session"`
	Username string      `json:"username"`
	Password string      `json:"password"`
}

// InitializeRequest is the client->server type 1 message.
type InitializeRequest struct {
	Type     MessageType `json:"type"`
	Session  string      `json:"session"`
	Map      string      `json:"map"`
	PE       Bytes       `json:"pe"`
	Settings Settings    `json:"settings"`
}

// FetchMapperRequest is the client->server type 2 message.
type FetchMapperRequest struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// ProceedRequest is the client->server type 3 message.
type ProceedRequest struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	Data    *LaunchInfo `json:"data"`
}

// CallbackReply answers an export-kind callback.
type CallbackReply struct {
	Type     MessageType  `json:"type"`
	Session  string       `json:"session"`
	Callback CallbackKind `json:"callback"`
	Size     uint64       `json:"size"`
	Bin      Bytes        `json:"bin"`
}

func NewAuthRequest(session, username, password string) *AuthRequest {
	return &AuthRequest{Type: TypeHandshake, Session: session, Username: username, Password: password}
}

func NewInitializeRequest(session, mapText string, pe []byte, settings Settings) *InitializeRequest {
	if settings.Callbacks == nil {
		settings.Callbacks = []int{}
	}
	return &InitializeRequest{Type: TypeInitialize, Session: session, Map: mapText, PE: pe, Settings: settings}
}

func NewFetchMapperRequest(session string) *FetchMapperRequest {
	return &FetchMapperRequest{Type: TypeMapperData, Session: session}
}

func NewProceedRequest(session string, info *LaunchInfo) *ProceedRequest {
	return &ProceedRequest{Type: TypeMutationData, Session: session, Data: info}
}

func NewCallbackReply(session string, kind CallbackKind, size uint64, bin []byte) *CallbackReply {
	if bin == nil {
		bin = []byte{}
	}
	return &CallbackReply{Type: TypeCallback, Session: session, Callback: kind, Size: size, Bin: bin}
}
