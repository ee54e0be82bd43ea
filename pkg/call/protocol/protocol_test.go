package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientMessage_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		param string
	}{
		{"not json", `{`, ""},
		{"missing type", `{"data_b64":"aGk="}`, "type"},
		{"audio without payload", `{"type":"audio"}`, "data_b64"},
		{"operator audio without payload", `{"type":"operator_audio","data_b64":"  "}`, "data_b64"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.data))
			if err == nil {
				t.Fatalf("expected decode error")
			}
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("err=%T, want *DecodeError", err)
			}
			if derr.Param != tc.param {
				t.Fatalf("param=%q, want %q", derr.Param, tc.param)
			}
		})
	}
}

func TestDecodeClientMessage_UnsupportedType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"video"}`))
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("err=%T, want *DecodeError", err)
	}
	if derr.Code != "unsupported" {
		t.Fatalf("code=%q, want unsupported", derr.Code)
	}
}

func TestDecodeClientMessage_Start(t *testing.T) {
	decoded, err := DecodeClientMessage([]byte(`{"type":"start","call_id":"c_1","want_captions":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := decoded.(CallerStart)
	if !ok {
		t.Fatalf("decoded=%T, want CallerStart", decoded)
	}
	if start.CallID != "c_1" || !start.WantCaptions {
		t.Fatalf("start=%+v", start)
	}
}

func TestDecodeClientMessage_AudioKeepsSeq(t *testing.T) {
	decoded, err := DecodeClientMessage([]byte(`{"type":"audio","seq":7,"data_b64":"aGk="}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame, ok := decoded.(AudioFrame)
	if !ok {
		t.Fatalf("decoded=%T, want AudioFrame", decoded)
	}
	if frame.Seq != 7 || frame.DataB64 != "aGk=" {
		t.Fatalf("frame=%+v", frame)
	}
}

func TestDecodeAgentEvent_Ping(t *testing.T) {
	decoded, err := DecodeAgentEvent([]byte(`{"type":"ping","ping_event":{"event_id":42,"ping_ms":250}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ping, ok := decoded.(AgentPingEvent)
	if !ok {
		t.Fatalf("decoded=%T, want AgentPingEvent", decoded)
	}
	if ping.PingEvent.EventID != 42 || ping.PingEvent.PingMS != 250 {
		t.Fatalf("ping=%+v", ping)
	}
}

func TestDecodeAgentEvent_Metadata(t *testing.T) {
	decoded, err := DecodeAgentEvent([]byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_9"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	meta, ok := decoded.(ConversationMetadataEvent)
	if !ok {
		t.Fatalf("decoded=%T, want ConversationMetadataEvent", decoded)
	}
	if meta.MetadataEvent.ConversationID != "conv_9" {
		t.Fatalf("conversation_id=%q, want conv_9", meta.MetadataEvent.ConversationID)
	}
}

func TestDecodeAgentEvent_RequiresAudioPayload(t *testing.T) {
	_, err := DecodeAgentEvent([]byte(`{"type":"audio","audio_event":{"event_id":1}}`))
	if err == nil {
		t.Fatalf("expected decode error for empty audio payload")
	}
}

func TestDecodeAgentEvent_TranscriptEvents(t *testing.T) {
	decoded, err := DecodeAgentEvent([]byte(`{"type":"agent_response","agent_response_event":{"agent_response":"stay calm"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp, ok := decoded.(AgentResponseEvent)
	if !ok {
		t.Fatalf("decoded=%T, want AgentResponseEvent", decoded)
	}
	if resp.AgentResponseEvent.AgentResponse != "stay calm" {
		t.Fatalf("agent_response=%q", resp.AgentResponseEvent.AgentResponse)
	}

	decoded, err = DecodeAgentEvent([]byte(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"my chest hurts"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ut, ok := decoded.(UserTranscriptEvent)
	if !ok {
		t.Fatalf("decoded=%T, want UserTranscriptEvent", decoded)
	}
	if ut.UserTranscriptionEvent.UserTranscript != "my chest hurts" {
		t.Fatalf("user_transcript=%q", ut.UserTranscriptionEvent.UserTranscript)
	}
}
