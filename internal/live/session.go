// Package live owns the bidirectional websocket stream to the realtime model.
// A Session is the single owner of its connection; no other component may
// close it.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calvoice/calvoice/internal/protocol"
)

// State is the session lifecycle position. Transitions:
// Idle -> Opening -> Open -> Closing -> Closed, with Opening|Open -> Closed
// on error. Every path ends in Closed.
type State string

const (
	StateIdle    State = "idle"
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Handlers receive session events. All callbacks fire from the session's
// single read goroutine, so handler code needs no locking against itself.
type Handlers struct {
	OnOpen         func()
	OnAudio        func(pcm []byte, mimeType string)
	OnToolCall     func(calls []protocol.FunctionCall)
	OnInterrupted  func()
	OnTurnComplete func()
	OnError        func(error)
	OnClose        func()
}

type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	VoiceName         string
	SystemInstruction string
	Tools             []protocol.Tool
	InputSampleRate   int

	Handlers Handlers

	// DialTimeout bounds the websocket handshake. Zero means 15s.
	DialTimeout time.Duration
}

type Session struct {
	conn     *websocket.Conn
	handlers Handlers
	mimeType string

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once

	resultMu    sync.Mutex
	sentResults map[string]bool
}

// Dial opens the stream and sends the setup frame. The returned session is
// still Opening; OnOpen fires once the model acknowledges setup. Failures
// after the handshake are reported through OnError, never panics.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("live endpoint is required")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := cfg.Endpoint
	if cfg.APIKey != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "key=" + cfg.APIKey
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial live stream: %w", err)
	}

	s := &Session{
		conn:        conn,
		handlers:    cfg.Handlers,
		mimeType:    fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		state:       StateOpening,
		sentResults: make(map[string]bool),
	}

	setup := protocol.SetupMessage{Setup: protocol.Setup{
		Model: cfg.Model,
		GenerationConfig: &protocol.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if cfg.VoiceName != "" {
		setup.Setup.GenerationConfig.SpeechConfig = &protocol.SpeechConfig{
			VoiceConfig: &protocol.VoiceConfig{
				PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &protocol.Content{
			Parts: []protocol.Part{{Text: cfg.SystemInstruction}},
		}
	}
	setup.Setup.Tools = cfg.Tools

	if err := s.writeJSON(setup); err != nil {
		s.closeWith(fmt.Errorf("send setup: %w", err))
		return nil, fmt.Errorf("send setup: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) closed() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

// SendAudio forwards one captured PCM16 window. Fire-and-forget: after close
// it is a no-op, and the capture clock paces production so no backpressure
// signal is exposed.
func (s *Session) SendAudio(pcm []byte) error {
	return s.sendMedia(base64.StdEncoding.EncodeToString(pcm), s.mimeType)
}

// SendFrame forwards one camera frame.
func (s *Session) SendFrame(data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return s.sendMedia(base64.StdEncoding.EncodeToString(data), mimeType)
}

func (s *Session) sendMedia(data, mimeType string) error {
	if s.closed() {
		return nil
	}
	msg := protocol.RealtimeInputMessage{RealtimeInput: protocol.RealtimeInput{
		MediaChunks: []protocol.Blob{{MIMEType: mimeType, Data: data}},
	}}
	return s.writeJSON(msg)
}

// SendText submits a complete text turn, the keyboard fallback path.
func (s *Session) SendText(text string) error {
	if s.closed() {
		return nil
	}
	msg := protocol.ClientContentMessage{ClientContent: protocol.ClientContent{
		Turns: []protocol.Content{{
			Role:  "user",
			Parts: []protocol.Part{{Text: text}},
		}},
		TurnComplete: true,
	}}
	return s.writeJSON(msg)
}

// SendToolResult replies to one outstanding invocation. At most one result is
// sent per correlation id; duplicates and post-close calls are silent no-ops
// because the conversation is already past them.
func (s *Session) SendToolResult(resp protocol.FunctionResponse) error {
	if s.closed() {
		return nil
	}
	if resp.ID != "" {
		s.resultMu.Lock()
		if s.sentResults[resp.ID] {
			s.resultMu.Unlock()
			return nil
		}
		s.sentResults[resp.ID] = true
		s.resultMu.Unlock()
	}

	msg := protocol.ToolResponseMessage{ToolResponse: protocol.ToolResponse{
		FunctionResponses: []protocol.FunctionResponse{resp},
	}}
	return s.writeJSON(msg)
}

// Close shuts the stream down. Idempotent: repeated calls and close-after-
// remote-close are both safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.setState(StateClosed)
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
	})
	return nil
}

func (s *Session) closeWith(err error) {
	if err != nil && s.handlers.OnError != nil && !s.closed() {
		s.handlers.OnError(err)
	}
	_ = s.Close()
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// readLoop is the only reader; every inbound frame dispatches from here, so
// ordering on the handler side matches wire order.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.closeWith(nil)
			} else {
				s.closeWith(fmt.Errorf("live stream read: %w", err))
			}
			return
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("live: dropping unparseable frame: %v", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg protocol.ServerMessage) {
	switch {
	case msg.SetupComplete != nil:
		s.setState(StateOpen)
		if s.handlers.OnOpen != nil {
			s.handlers.OnOpen()
		}
	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.Interrupted && s.handlers.OnInterrupted != nil {
			s.handlers.OnInterrupted()
		}
		for _, blob := range sc.AudioParts() {
			pcm, err := base64.StdEncoding.DecodeString(blob.Data)
			if err != nil {
				log.Printf("live: dropping undecodable audio part: %v", err)
				continue
			}
			if s.handlers.OnAudio != nil {
				s.handlers.OnAudio(pcm, blob.MIMEType)
			}
		}
		if sc.TurnComplete && s.handlers.OnTurnComplete != nil {
			s.handlers.OnTurnComplete()
		}
	case msg.ToolCall != nil:
		if s.handlers.OnToolCall != nil {
			s.handlers.OnToolCall(msg.ToolCall.FunctionCalls)
		}
	case msg.ToolCallCancellation != nil:
		log.Printf("live: tool calls cancelled upstream: %v", msg.ToolCallCancellation.IDs)
	case msg.GoAway != nil:
		log.Printf("live: server going away (time left: %s)", msg.GoAway.TimeLeft)
	}
}

// ToolDeclarations builds the tool schema advertised at setup for the
// calendar toolset.
func ToolDeclarations() []protocol.Tool {
	obj := func(required []string, props map[string]string) json.RawMessage {
		type prop struct {
			Type        string `json:"type"`
			Description string `json:"description,omitempty"`
		}
		schema := struct {
			Type       string          `json:"type"`
			Properties map[string]prop `json:"properties"`
			Required   []string        `json:"required,omitempty"`
		}{Type: "object", Properties: map[string]prop{}, Required: required}
		for name, desc := range props {
			schema.Properties[name] = prop{Type: "string", Description: desc}
		}
		raw, _ := json.Marshal(schema)
		return raw
	}

	return []protocol.Tool{{FunctionDeclarations: []protocol.FunctionDeclaration{
		{
			Name:        "check_availability",
			Description: "Check whether a time window is free on the user's calendar.",
			Parameters: obj([]string{"startIso", "endIso"}, map[string]string{
				"startIso": "Window start, ISO-8601 with UTC offset",
				"endIso":   "Window end, ISO-8601 with UTC offset",
			}),
		},
		{
			Name:        "schedule_meeting",
			Description: "Schedule a meeting with an attendee. Confirm details with the user first.",
			Parameters: obj([]string{"title", "attendeeEmail", "startIso", "endIso"}, map[string]string{
				"title":         "Meeting title",
				"attendeeEmail": "Attendee email address",
				"attendeeName":  "Attendee display name",
				"startIso":      "Meeting start, ISO-8601 with UTC offset",
				"endIso":        "Meeting end, ISO-8601 with UTC offset",
				"timezone":      "IANA timezone of the user",
				"description":   "Meeting description",
			}),
		},
		{
			Name:        "list_events",
			Description: "List calendar events in a time range.",
			Parameters: obj([]string{"timeMin", "timeMax"}, map[string]string{
				"timeMin": "Range start, ISO-8601 with UTC offset",
				"timeMax": "Range end, ISO-8601 with UTC offset",
			}),
		},
		{
			Name:        "create_event",
			Description: "Create a calendar event without a required attendee.",
			Parameters: obj([]string{"title", "startIso", "endIso"}, map[string]string{
				"title":       "Event title",
				"startIso":    "Event start, ISO-8601 with UTC offset",
				"endIso":      "Event end, ISO-8601 with UTC offset",
				"description": "Event description",
			}),
		},
	}}}
}
