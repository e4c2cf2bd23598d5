package protocol

// Server->client messages. The client only decodes these; they are declared here so
// that the mock server and the tests emit exactly the shapes the router consumes.

// HandshakeReply answers authentication with the session id and a status.
type HandshakeReply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    int         `json:"status"`
}

// StatusReply completes initialize (type 1) or a failed metadata fetch (type 2).
type StatusReply struct {
	Type   MessageType `json:"type"`
	Status int         `json:"status"`
}

// MapperDataReply carries mapper metadata nested under "data".
type MapperDataReply struct {
	Type MessageType `json:"type"`
	Data *MapperData `json:"data"`
}

// FinalizeReply is the terminal type 4 message.
type FinalizeReply struct {
	Type      MessageType `json:"type"`
	Succeeded bool        `json:"succeeded"`
	Data      any         `json:"data"`
	PEBin     []Bytes     `json:"pe_bin"`
}

// CallbackInvocation asks the client to run a registered handler.
type CallbackInvocation struct {
	Type     MessageType  `json:"type"`
	Callback CallbackKind `json:"callback"`
	Name     string       `json:"name,omitempty"`
}

// SessionAnnounce hands out a session id without completing any request.
type SessionAnnounce struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}
