package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/calvoice/calvoice/internal/capture"
	"github.com/calvoice/calvoice/internal/playback"
)

// micSource captures PCM16 mono from the default input device and hands it
// out in fixed windows. The malgo callback only appends; ReadWindow blocks
// until a full window has accumulated.
type micSource struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	windowBytes int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func openMic(sampleRate int, window time.Duration) (capture.Source, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &micSource{
		ctx: ctx,
		// 16-bit mono
		windowBytes: 2 * sampleRate * int(window.Milliseconds()) / 1000,
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(window.Milliseconds())

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			if !m.closed {
				m.buf = append(m.buf, input...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

func (m *micSource) ReadWindow() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) < m.windowBytes && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, io.EOF
	}

	window := make([]byte, m.windowBytes)
	copy(window, m.buf[:m.windowBytes])
	m.buf = m.buf[m.windowBytes:]
	return window, nil
}

func (m *micSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	_ = m.device.Stop()
	m.device.Uninit()
	_ = m.ctx.Uninit()
	m.ctx.Free()
	return nil
}

// nullMic satisfies the mic slot in text-only mode. ReadWindow blocks until
// the session ends so the capture pipeline stays parked.
type nullMic struct {
	once sync.Once
	done chan struct{}
}

func newNullMic() *nullMic { return &nullMic{done: make(chan struct{})} }

func (n *nullMic) ReadWindow() ([]byte, error) {
	<-n.done
	return nil, io.EOF
}

func (n *nullMic) Close() error {
	n.once.Do(func() { close(n.done) })
	return nil
}

// speaker plays scheduled PCM16 chunks through the default output device.
// Each chunk gets its own short-lived player so a stop can cut it off mid-way.
type speaker struct {
	ctx *oto.Context
}

func openSpeaker(sampleRate int) (*speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	<-ready
	return &speaker{ctx: otoCtx}, nil
}

func (s *speaker) PlayAt(pcm []byte, at time.Time) playback.Source {
	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	src := &speakerSource{player: player, stop: make(chan struct{})}

	go func() {
		if wait := time.Until(at); wait > 0 {
			select {
			case <-src.stop:
				_ = player.Close()
				return
			case <-time.After(wait):
			}
		}
		player.Play()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for player.IsPlaying() {
			select {
			case <-src.stop:
				_ = player.Close()
				return
			case <-ticker.C:
			}
		}
		_ = player.Close()
	}()

	return src
}

type speakerSource struct {
	player *oto.Player
	once   sync.Once
	stop   chan struct{}
}

func (s *speakerSource) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// recordingSink tees every scheduled chunk into a buffer so the conversation
// can be dumped to a WAV file afterwards.
type recordingSink struct {
	inner playback.Sink

	mu  sync.Mutex
	buf []byte
}

func newRecordingSink(inner playback.Sink) *recordingSink {
	return &recordingSink{inner: inner}
}

func (r *recordingSink) PlayAt(pcm []byte, at time.Time) playback.Source {
	r.mu.Lock()
	r.buf = append(r.buf, pcm...)
	r.mu.Unlock()
	return r.inner.PlayAt(pcm, at)
}

func (r *recordingSink) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}
