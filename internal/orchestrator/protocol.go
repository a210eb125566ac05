package orchestrator

import "encoding/json"

// Message types carried in the "type" field of every frame. Server responses
// always echo the type of the frame they answer so clients can correlate
// request and response over the single multiplexed connection.
const (
	TypeSubscribe = "subscribe"
	TypeStart     = "start"
	TypeKeepAlive = "keepAlive"
	TypeMessage   = "message"
	TypeInfo      = "info"
)

// Failure causes reported to clients.
const (
	causeUnknownStream   = "unknown stream"
	causeInvalidUsername = "invalid username"
	causeAlreadyStarted  = "stream already started"
	causeNotHost         = "you are not the host"
	causeNotStarted      = "stream not started"
	causeEmptyMessage    = "empty message"
	causeUnknownType     = "unknown message type"
	causeStartFailed     = "could not start stream"
	causeInvalidMessage  = "invalid message"
)

// SubscribeRequest is the first frame a client sends on a new connection.
// It carries no "type"; everything after it does.
type SubscribeRequest struct {
	Stream   StreamID `json:"stream"`
	Username string   `json:"username"`
	Token    string   `json:"token,omitempty"`
}

// CommandKind enumerates the commands a subscribed connection may send.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdStart
	CmdKeepAlive
	CmdChat
)

// Command is the decoded form of one inbound frame from a subscribed
// connection. An unrecognized type decodes to CmdUnknown with the raw type
// preserved so the failure response can echo it.
type Command struct {
	Kind CommandKind
	Type string
	Chat string // body for CmdChat
}

// DecodeCommand parses an inbound frame. Malformed JSON is the only error;
// an unknown type is a valid Command of kind CmdUnknown.
func DecodeCommand(data []byte) (Command, error) {
	var raw struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, err
	}

	cmd := Command{Type: raw.Type}
	switch raw.Type {
	case TypeStart:
		cmd.Kind = CmdStart
	case TypeKeepAlive:
		cmd.Kind = CmdKeepAlive
	case TypeMessage:
		cmd.Kind = CmdChat
		cmd.Chat = raw.Message
	default:
		cmd.Kind = CmdUnknown
	}
	return cmd, nil
}

// Response is the generic server reply: an ack or a failure with a
// human-readable cause.
type Response struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`
	Cause   string `json:"cause,omitempty"`
}

// SubscribeAck confirms a successful subscription and tells the client
// whether it is the host.
type SubscribeAck struct {
	Success bool         `json:"success"`
	Type    string       `json:"type"`
	Stream  StreamID     `json:"stream"`
	State   SessionState `json:"state"`
	Host    bool         `json:"host"`
}

// StatusEvent is the periodic status broadcast to all subscribers of a
// session.
type StatusEvent struct {
	Success bool         `json:"success"`
	Type    string       `json:"type"`
	Stream  StreamID     `json:"stream"`
	State   SessionState `json:"state"`
	Viewers int          `json:"viewers"`
}

// ChatEvent is a chat message fanned out to all subscribers of a session.
type ChatEvent struct {
	Success  bool   `json:"success"`
	Type     string `json:"type"`
	Username string `json:"username"`
	Host     bool   `json:"host"`
	Country  string `json:"country,omitempty"`
	Message  string `json:"message"`
}

func okResponse(msgType string) Response {
	return Response{Success: true, Type: msgType}
}

func failResponse(msgType, cause string) Response {
	return Response{Success: false, Type: msgType, Cause: cause}
}
