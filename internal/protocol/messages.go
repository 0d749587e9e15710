// Package protocol defines the wire frames exchanged with the realtime model
// over its bidirectional stream. The model API uses camelCase JSON throughout.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnsupportedMessage = errors.New("unsupported server message")

// ---- client -> server ----

// SetupMessage is the first frame sent after the websocket opens. It declares
// the model, response modality, voice, system instruction, and tool schema.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64-encoded media with its MIME type.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RealtimeInputMessage streams captured media (audio windows, camera frames).
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

// ClientContentMessage sends a text turn (keyboard fallback for environments
// without audio capture).
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ToolResponseMessage replies to a toolCall frame. One FunctionResponse per
// outstanding invocation, correlated by ID.
type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ---- server -> client ----

// ServerMessage is the union of frames the model emits. Exactly one of the
// pointer fields is set per frame.
type ServerMessage struct {
	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ParseServerMessage decodes one frame from the model and validates that it
// carries a recognized variant.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("invalid server frame: %w", err)
	}
	if msg.SetupComplete == nil && msg.ServerContent == nil && msg.ToolCall == nil &&
		msg.ToolCallCancellation == nil && msg.GoAway == nil {
		return ServerMessage{}, ErrUnsupportedMessage
	}
	return msg, nil
}

// AudioParts extracts the inline audio blobs from a serverContent frame,
// preserving part order.
func (sc *ServerContent) AudioParts() []Blob {
	if sc == nil || sc.ModelTurn == nil {
		return nil
	}
	var blobs []Blob
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			blobs = append(blobs, *p.InlineData)
		}
	}
	return blobs
}
