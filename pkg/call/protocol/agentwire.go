package protocol

import (
	"encoding/json"
	"strings"
)

// Agent-backend wire envelopes. The conversational backend speaks its own
// shapes for the same semantic content as the caller transport; the bridge is
// the only place that translates between the two.

// AgentInitiation is sent once, immediately after the agent socket opens. It
// carries call context the agent prompt can reference.
type AgentInitiation struct {
	Type             string         `json:"type"`
	DynamicVariables map[string]any `json:"dynamic_variables,omitempty"`
}

func NewAgentInitiation(callID string) AgentInitiation {
	return AgentInitiation{
		Type: "conversation_initiation_client_data",
		DynamicVariables: map[string]any{
			"call_id": callID,
		},
	}
}

// ContextualUpdate injects free-text context into a live agent conversation.
type ContextualUpdate struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserAudioChunk is caller audio translated to the agent envelope. The agent
// transport tags audio by field name rather than a type discriminator.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type AgentPong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// Inbound agent events.

type AgentAudioEvent struct {
	Type       string `json:"type"`
	AudioEvent struct {
		AudioB64 string `json:"audio_base_64"`
		EventID  int64  `json:"event_id"`
	} `json:"audio_event"`
}

type AgentResponseEvent struct {
	Type               string `json:"type"`
	AgentResponseEvent struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
}

type UserTranscriptEvent struct {
	Type                   string `json:"type"`
	UserTranscriptionEvent struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

type AgentPingEvent struct {
	Type      string `json:"type"`
	PingEvent struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event"`
}

// ConversationMetadataEvent is the agent's readiness signal. It carries the
// externally meaningful conversation id used for out-of-band lookups and
// end-of-call persistence.
type ConversationMetadataEvent struct {
	Type          string `json:"type"`
	MetadataEvent struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
}

// DecodeAgentEvent decodes one inbound agent frame into its typed event.
func DecodeAgentEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid agent json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing agent event type", "type")
	}

	switch typ {
	case "audio":
		var msg AgentAudioEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent audio event", "")
		}
		if strings.TrimSpace(msg.AudioEvent.AudioB64) == "" {
			return nil, badRequest("audio_event.audio_base_64 is required", "audio_event.audio_base_64")
		}
		return msg, nil
	case "agent_response":
		var msg AgentResponseEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent_response event", "")
		}
		return msg, nil
	case "user_transcript":
		var msg UserTranscriptEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_transcript event", "")
		}
		return msg, nil
	case "ping":
		var msg AgentPingEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping event", "")
		}
		return msg, nil
	case "conversation_initiation_metadata":
		var msg ConversationMetadataEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation metadata event", "")
		}
		if strings.TrimSpace(msg.MetadataEvent.ConversationID) == "" {
			return nil, badRequest("conversation_id is required", "conversation_initiation_metadata_event.conversation_id")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported agent event type", "type")
	}
}
