// Package capture forwards microphone windows (and optional camera frames)
// to the realtime session. The audio hardware clock paces production, so no
// backpressure is needed on the send side.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/calvoice/calvoice/internal/audio"
)

// Source yields fixed-size PCM16 windows in capture order. ReadWindow blocks
// until a full window is available and returns io.EOF when the device closes.
type Source interface {
	ReadWindow() ([]byte, error)
	Close() error
}

// FrameSource yields still frames for the vision variant.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (data []byte, mimeType string, err error)
	Close() error
}

// MediaWriter is where captured media goes; in production it is the live
// transport session.
type MediaWriter interface {
	SendAudio(pcm []byte) error
	SendFrame(data []byte, mimeType string) error
}

type Pipeline struct {
	source     Source
	frames     FrameSource
	out        MediaWriter
	sampleRate int

	// frameInterval is deliberately coarse (default 1 fps): the model only
	// needs rough visual context, and a low rate keeps upload cost down.
	frameInterval time.Duration

	// OnLevel receives the RMS of each window for UI feedback. It is called
	// on the capture path and must return quickly; it never gates audio.
	OnLevel func(float64)
}

func NewPipeline(source Source, out MediaWriter, sampleRate int) *Pipeline {
	return &Pipeline{
		source:        source,
		out:           out,
		sampleRate:    sampleRate,
		frameInterval: time.Second,
	}
}

// WithFrames enables camera sampling on the given period.
func (p *Pipeline) WithFrames(frames FrameSource, interval time.Duration) *Pipeline {
	p.frames = frames
	if interval > 0 {
		p.frameInterval = interval
	}
	return p
}

// Run forwards windows until the context is cancelled or the source ends.
// Camera frames are sampled on their own ticker, independent of the audio
// window cadence.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.frames != nil {
		go p.runFrames(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		window, err := p.source.ReadWindow()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read capture window: %w", err)
		}
		if len(window) == 0 {
			continue
		}

		if p.OnLevel != nil {
			if samples, err := audio.DecodePCM16(window); err == nil {
				p.OnLevel(audio.RMS(samples))
			}
		}

		if err := p.out.SendAudio(window); err != nil {
			return fmt.Errorf("forward capture window: %w", err)
		}
	}
}

func (p *Pipeline) runFrames(ctx context.Context) {
	ticker := time.NewTicker(p.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, mime, err := p.frames.CaptureFrame(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("camera frame capture failed: %v", err)
				}
				continue
			}
			if len(data) == 0 {
				continue
			}
			if err := p.out.SendFrame(data, mime); err != nil {
				log.Printf("camera frame not forwarded: %v", err)
			}
		}
	}
}
