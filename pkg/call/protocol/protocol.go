package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// CallerStart is the first frame a caller transport must send after connecting.
type CallerStart struct {
	Type         string `json:"type"`
	CallID       string `json:"call_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	WantCaptions bool   `json:"want_captions,omitempty"`
}

// AudioFrame carries one opaque chunk of caller audio.
type AudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type CallerStop struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// OperatorAudio is audio flowing operator -> caller. Both operator and caller
// transports speak the same neutral audio envelope, so no translation happens
// for these frames.
type OperatorAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type OperatorEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DecodeClientMessage sniffs the envelope type and decodes one inbound frame
// from a caller or operator transport. Unknown or malformed frames return a
// *DecodeError; the connection is expected to survive them.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start":
		var msg CallerStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		return msg, nil
	case "audio":
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "stop":
		var msg CallerStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	case "operator_audio":
		var msg OperatorAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid operator_audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("operator_audio.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "end":
		var msg OperatorEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// Server -> client events.

type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
}

// ServerControl carries session-level control events: ai_terminated when the
// automated agent leaves but the call stays up, session_terminated when the
// whole call is ending.
type ServerControl struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ServerAudio is agent audio re-enveloped for the caller transport. The
// payload is forwarded verbatim; only the envelope changes shape.
type ServerAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
	EventID int64  `json:"event_id,omitempty"`
}

// ServerOperatorAudio is operator audio delivered to the caller while a human
// operator owns the call.
type ServerOperatorAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ServerPatientAudio is caller audio delivered to the operator transport.
type ServerPatientAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ServerTranscript is a live caption line, sent only when the caller asked
// for captions in the start frame.
type ServerTranscript struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

func NewServerConnected(sessionID, callID string) ServerConnected {
	return ServerConnected{Type: "connected", SessionID: sessionID, CallID: callID}
}

func NewAITerminated(reason string) ServerControl {
	return ServerControl{Type: "ai_terminated", Reason: reason}
}

func NewSessionTerminated(reason string) ServerControl {
	return ServerControl{Type: "session_terminated", Reason: reason}
}

// ConversationMessage is one line of a call transcript, shared between the
// live transcript log, the agent backend history fetch, and persistence.
type ConversationMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}
