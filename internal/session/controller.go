// Package session coordinates start/stop of the realtime conversation:
// device acquisition, the live transport, both audio pipelines, and the tool
// dispatcher. Teardown is one routine shared by every exit path.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calvoice/calvoice/internal/capture"
	"github.com/calvoice/calvoice/internal/live"
	"github.com/calvoice/calvoice/internal/observability"
	"github.com/calvoice/calvoice/internal/playback"
	"github.com/calvoice/calvoice/internal/protocol"
	"github.com/calvoice/calvoice/internal/tools"
)

type State string

const (
	StateReady    State = "ready"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// ErrAlreadyActive rejects a second concurrent start. Replacing a running
// session silently would orphan its devices, so reject is the safer choice.
var ErrAlreadyActive = errors.New("a voice session is already active")

// Transport is the slice of the live session the controller drives.
type Transport interface {
	SendAudio(pcm []byte) error
	SendFrame(data []byte, mimeType string) error
	SendText(text string) error
	SendToolResult(resp protocol.FunctionResponse) error
	Close() error
}

// Config wires the controller's collaborators. MicOpen runs first on start;
// a permission failure there aborts before anything else is wired.
type Config struct {
	Dial       func(ctx context.Context, h live.Handlers) (Transport, error)
	MicOpen    func() (capture.Source, error)
	CameraOpen func() (capture.FrameSource, error) // nil disables vision

	Dispatcher *tools.Dispatcher
	Scheduler  *playback.Scheduler

	SampleRate    int
	FrameInterval time.Duration

	Metrics *observability.Metrics // optional

	OnLevel func(float64)
	OnState func(State)
	// OnCalendarMaybeChanged fires on every teardown: a meeting may have been
	// booked mid-session, so calendar views should refresh.
	OnCalendarMaybeChanged func()
}

type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	sessionID string
	transport Transport
	mic       capture.Source
	cam       capture.FrameSource
	cancel    context.CancelFunc
	startedAt time.Time
	heardAt   time.Time
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg, state: StateReady}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SendText submits a typed turn on the active session (keyboard fallback).
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return errors.New("no active session")
	}
	return t.SendText(text)
}

// Start brings the whole stack up. Exactly one session may be active; a start
// while not Ready is rejected. Any failure mid-start unwinds through the same
// teardown used for normal stops.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.state = StateStarting
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now()
	c.heardAt = time.Time{}
	c.mu.Unlock()
	c.notifyState(StateStarting)

	mic, err := c.cfg.MicOpen()
	if err != nil {
		c.toReady()
		return err
	}

	var cam capture.FrameSource
	if c.cfg.CameraOpen != nil {
		cam, err = c.cfg.CameraOpen()
		if err != nil {
			_ = mic.Close()
			c.toReady()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.mic = mic
	c.cam = cam
	c.cancel = cancel
	c.mu.Unlock()

	c.cfg.Scheduler.Reset()

	transport, err := c.cfg.Dial(runCtx, live.Handlers{
		OnAudio:       c.onAudio,
		OnToolCall:    c.onToolCall,
		OnInterrupted: c.onInterrupted,
		OnError: func(err error) {
			log.Printf("session %s transport error: %v", c.SessionID(), err)
			c.countEvent("transport_error")
		},
		OnClose: func() { go c.Stop() },
	})
	if err != nil {
		c.Stop()
		return err
	}

	c.mu.Lock()
	c.transport = transport
	c.state = StateActive
	c.mu.Unlock()
	c.notifyState(StateActive)
	c.countEvent("started")
	c.setActiveGauge(1)

	pipeline := capture.NewPipeline(mic, transport, c.cfg.SampleRate)
	pipeline.OnLevel = c.cfg.OnLevel
	if cam != nil {
		pipeline.WithFrames(cam, c.cfg.FrameInterval)
	}
	go func() {
		if err := pipeline.Run(runCtx); err != nil {
			log.Printf("session %s capture stopped: %v", c.SessionID(), err)
		}
		c.Stop()
	}()

	return nil
}

// Stop tears the session down. It is unconditional and immediate: in-flight
// tool calls are not awaited, their late results land in a closed transport
// and vanish. Safe to call repeatedly and from any trigger (user stop, remote
// close, error).
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateReady || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	transport := c.transport
	mic := c.mic
	cam := c.cam
	cancel := c.cancel
	c.transport = nil
	c.mic = nil
	c.cam = nil
	c.cancel = nil
	c.mu.Unlock()
	c.notifyState(StateStopping)

	if cancel != nil {
		cancel()
	}
	c.cfg.Scheduler.StopAll()
	if transport != nil {
		_ = transport.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if cam != nil {
		_ = cam.Close()
	}

	c.toReady()
	c.countEvent("stopped")
	if c.cfg.OnCalendarMaybeChanged != nil {
		c.cfg.OnCalendarMaybeChanged()
	}
}

func (c *Controller) toReady() {
	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.setActiveGauge(0)
	c.notifyState(StateReady)
}

func (c *Controller) onAudio(pcm []byte, _ string) {
	c.mu.Lock()
	first := c.heardAt.IsZero()
	if first {
		c.heardAt = time.Now()
	}
	started := c.startedAt
	c.mu.Unlock()

	if first && c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveFirstAudioLatency(time.Since(started))
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AudioChunks.WithLabelValues("out").Inc()
	}
	c.cfg.Scheduler.Schedule(pcm)
}

// onToolCall resolves off the read path so slow calendar calls never stall
// inbound audio. SendToolResult on a closed transport is a no-op, which is
// exactly the post-teardown drop the contract asks for.
func (c *Controller) onToolCall(calls []protocol.FunctionCall) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return
	}
	go c.cfg.Dispatcher.HandleCalls(context.Background(), calls, func(resp protocol.FunctionResponse) error {
		c.countTool(resp)
		return transport.SendToolResult(resp)
	})
}

// onInterrupted flushes scheduled audio when the user barges in, then
// re-arms the scheduler for the model's next reply.
func (c *Controller) onInterrupted() {
	c.cfg.Scheduler.StopAll()
	c.cfg.Scheduler.Reset()
	c.countEvent("interrupted")
}

func (c *Controller) notifyState(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Controller) countEvent(event string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (c *Controller) setActiveGauge(v float64) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionActive.Set(v)
	}
}

func (c *Controller) countTool(resp protocol.FunctionResponse) {
	if c.cfg.Metrics == nil {
		return
	}
	outcome := "ok"
	if ok, has := resp.Response["ok"].(bool); has && !ok {
		outcome = "error"
		if resp.Response["reason"] == "conflict" {
			outcome = "conflict"
		}
	}
	c.cfg.Metrics.ToolInvocations.WithLabelValues(resp.Name, outcome).Inc()
}
