package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseServerMessageAudio(t *testing.T) {
	raw := `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}},{"text":"ok"}]},"turnComplete":false}}`
	msg, err := ParseServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if msg.ServerContent == nil {
		t.Fatalf("ServerContent should be set")
	}
	blobs := msg.ServerContent.AudioParts()
	if len(blobs) != 1 {
		t.Fatalf("AudioParts() = %d blobs, want 1", len(blobs))
	}
	if blobs[0].Data != "AAAA" || blobs[0].MIMEType != "audio/pcm;rate=24000" {
		t.Fatalf("unexpected blob: %+v", blobs[0])
	}
}

func TestParseServerMessageToolCall(t *testing.T) {
	raw := `{"toolCall":{"functionCalls":[{"id":"call-1","name":"schedule_meeting","args":{"title":"Sync"}},{"id":"call-2","name":"list_events"}]}}`
	msg, err := ParseServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if msg.ToolCall == nil || len(msg.ToolCall.FunctionCalls) != 2 {
		t.Fatalf("expected 2 function calls, got %+v", msg.ToolCall)
	}
	fc := msg.ToolCall.FunctionCalls[0]
	if fc.ID != "call-1" || fc.Name != "schedule_meeting" || fc.Args["title"] != "Sync" {
		t.Fatalf("unexpected function call: %+v", fc)
	}
}

func TestParseServerMessageRejectsUnknown(t *testing.T) {
	if _, err := ParseServerMessage([]byte(`{"somethingElse":{}}`)); err != ErrUnsupportedMessage {
		t.Fatalf("error = %v, want ErrUnsupportedMessage", err)
	}
	if _, err := ParseServerMessage([]byte(`not json`)); err == nil {
		t.Fatalf("malformed JSON should fail")
	}
}

func TestSetupMessageShape(t *testing.T) {
	msg := SetupMessage{Setup: Setup{
		Model: "models/gemini-2.0-flash-live-001",
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &SpeechConfig{VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: "Puck"},
			}},
		},
		SystemInstruction: &Content{Parts: []Part{{Text: "schedule meetings"}}},
		Tools: []Tool{{FunctionDeclarations: []FunctionDeclaration{{
			Name:       "schedule_meeting",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}}}},
	}}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal setup: %v", err)
	}
	for _, want := range []string{`"setup"`, `"responseModalities":["AUDIO"]`, `"voiceName":"Puck"`, `"functionDeclarations"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("setup JSON missing %s: %s", want, data)
		}
	}
}

func TestToolResponseShape(t *testing.T) {
	msg := ToolResponseMessage{ToolResponse: ToolResponse{FunctionResponses: []FunctionResponse{{
		ID:       "call-1",
		Name:     "check_availability",
		Response: map[string]any{"ok": true},
	}}}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal tool response: %v", err)
	}
	for _, want := range []string{`"toolResponse"`, `"functionResponses"`, `"id":"call-1"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("tool response JSON missing %s: %s", want, data)
		}
	}
}
