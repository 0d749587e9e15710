package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/capture"
	"github.com/calvoice/calvoice/internal/live"
	"github.com/calvoice/calvoice/internal/playback"
	"github.com/calvoice/calvoice/internal/protocol"
	"github.com/calvoice/calvoice/internal/tools"
)

type fakeMic struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	closes int
}

func newFakeMic() *fakeMic { return &fakeMic{done: make(chan struct{})} }

func (m *fakeMic) ReadWindow() ([]byte, error) {
	<-m.done
	return nil, io.EOF
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	closes  int
	results []protocol.FunctionResponse
	texts   []string
}

func (t *fakeTransport) SendAudio([]byte) error          { return nil }
func (t *fakeTransport) SendFrame([]byte, string) error  { return nil }
func (t *fakeTransport) SendText(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, text)
	return nil
}

func (t *fakeTransport) SendToolResult(resp protocol.FunctionResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, resp)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) resultCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.results)
}

type nullSink struct{}

type nullSource struct{}

func (nullSource) Stop() {}

func (nullSink) PlayAt([]byte, time.Time) playback.Source { return nullSource{} }

func testController(t *testing.T, mic *fakeMic, transport *fakeTransport) (*Controller, *live.Handlers, *int) {
	t.Helper()
	var handlers live.Handlers
	refreshes := 0
	c := NewController(Config{
		Dial: func(_ context.Context, h live.Handlers) (Transport, error) {
			handlers = h
			return transport, nil
		},
		MicOpen:                func() (capture.Source, error) { return mic, nil },
		Dispatcher:             tools.NewDispatcher(calendar.NewSandbox()),
		Scheduler:              playback.NewScheduler(nullSink{}, 24000),
		SampleRate:             16000,
		OnCalendarMaybeChanged: func() { refreshes++ },
	})
	return c, &handlers, &refreshes
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestStartThenStop(t *testing.T) {
	mic := newFakeMic()
	transport := &fakeTransport{}
	c, _, refreshes := testController(t, mic, transport)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %v, want active", c.State())
	}
	if c.SessionID() == "" {
		t.Fatalf("active session should have an id")
	}

	c.Stop()
	waitForState(t, c, StateReady)
	if transport.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", transport.closeCount())
	}
	if *refreshes != 1 {
		t.Fatalf("calendar refresh hooks = %d, want 1", *refreshes)
	}
}

func TestSecondStartRejected(t *testing.T) {
	mic := newFakeMic()
	c, _, _ := testController(t, mic, &fakeTransport{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start() = %v, want ErrAlreadyActive", err)
	}
}

func TestMicDenialFailsFast(t *testing.T) {
	permissionErr := errors.New("microphone permission denied")
	dialed := false
	c := NewController(Config{
		Dial: func(context.Context, live.Handlers) (Transport, error) {
			dialed = true
			return &fakeTransport{}, nil
		},
		MicOpen:    func() (capture.Source, error) { return nil, permissionErr },
		Dispatcher: tools.NewDispatcher(calendar.NewSandbox()),
		Scheduler:  playback.NewScheduler(nullSink{}, 24000),
		SampleRate: 16000,
	})

	if err := c.Start(context.Background()); !errors.Is(err, permissionErr) {
		t.Fatalf("Start() = %v, want permission error", err)
	}
	if dialed {
		t.Fatalf("transport dialed despite mic denial")
	}
	if c.State() != StateReady {
		t.Fatalf("state = %v, want ready after failed start", c.State())
	}

	// A fresh start must work after the failure.
	mic := newFakeMic()
	c2, _, _ := testController(t, mic, &fakeTransport{})
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	c2.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	mic := newFakeMic()
	transport := &fakeTransport{}
	c, _, refreshes := testController(t, mic, transport)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
	c.Stop()
	waitForState(t, c, StateReady)

	if transport.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", transport.closeCount())
	}
	mic.mu.Lock()
	closes := mic.closes
	mic.mu.Unlock()
	if closes != 1 {
		t.Fatalf("mic closed %d times, want 1", closes)
	}
	if *refreshes != 1 {
		t.Fatalf("calendar refresh hooks = %d, want 1", *refreshes)
	}
}

func TestRemoteCloseTearsDown(t *testing.T) {
	mic := newFakeMic()
	transport := &fakeTransport{}
	c, handlers, _ := testController(t, mic, transport)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	handlers.OnClose()
	waitForState(t, c, StateReady)

	// Stop after the remote close must remain harmless.
	c.Stop()
}

func TestToolCallsResolveThroughTransport(t *testing.T) {
	mic := newFakeMic()
	transport := &fakeTransport{}
	c, handlers, _ := testController(t, mic, transport)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	handlers.OnToolCall([]protocol.FunctionCall{{
		ID:   "call-1",
		Name: tools.ToolCheckAvailability,
		Args: map[string]any{"startIso": "2026-09-01T10:00:00Z", "endIso": "2026-09-01T11:00:00Z"},
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && transport.resultCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if transport.resultCount() != 1 {
		t.Fatalf("tool results = %d, want 1", transport.resultCount())
	}
	transport.mu.Lock()
	resp := transport.results[0]
	transport.mu.Unlock()
	if resp.ID != "call-1" || resp.Response["ok"] != true {
		t.Fatalf("unexpected tool response: %+v", resp)
	}
}

func TestSendTextRequiresActiveSession(t *testing.T) {
	mic := newFakeMic()
	transport := &fakeTransport{}
	c, _, _ := testController(t, mic, transport)

	if err := c.SendText("hi"); err == nil {
		t.Fatalf("SendText() without session should fail")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()
	if err := c.SendText("book a meeting"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
}
