// Command calvoice runs the realtime voice scheduling agent: microphone in,
// assistant audio out, calendar actions through tool calls. Sandbox mode
// fabricates calendar results; real mode goes through the calendar bridge.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvoice/calvoice/internal/calendar"
	"github.com/calvoice/calvoice/internal/capture"
	"github.com/calvoice/calvoice/internal/config"
	"github.com/calvoice/calvoice/internal/live"
	"github.com/calvoice/calvoice/internal/observability"
	"github.com/calvoice/calvoice/internal/playback"
	"github.com/calvoice/calvoice/internal/session"
	"github.com/calvoice/calvoice/internal/tools"
)

func main() {
	textOnly := flag.Bool("text", false, "text-only session: type turns instead of speaking")
	framesDir := flag.String("frames", "", "directory of JPEG frames to stream as camera input")
	recordPath := flag.String("record", "", "write assistant audio to this WAV file on exit")
	flag.Parse()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, err := pickBackend(cfg, metrics)
	if err != nil {
		log.Fatalf("calendar backend: %v", err)
	}
	log.Printf("calendar backend: %s", cfg.Mode)

	spk, err := openSpeaker(cfg.OutputSampleRate)
	if err != nil {
		log.Fatalf("audio output: %v", err)
	}

	var sink playback.Sink = spk
	var rec *recordingSink
	if *recordPath != "" {
		rec = newRecordingSink(spk)
		sink = rec
	}
	scheduler := playback.NewScheduler(sink, cfg.OutputSampleRate)

	micOpen := func() (capture.Source, error) {
		if *textOnly {
			return newNullMic(), nil
		}
		return openMic(cfg.InputSampleRate, cfg.WindowDuration)
	}

	var cameraOpen func() (capture.FrameSource, error)
	if *framesDir != "" {
		dir := *framesDir
		cameraOpen = func() (capture.FrameSource, error) { return openFrameDir(dir) }
	}

	ctrl := session.NewController(session.Config{
		Dial: func(ctx context.Context, h live.Handlers) (session.Transport, error) {
			return live.Dial(ctx, live.Config{
				Endpoint:          cfg.LiveEndpoint,
				APIKey:            cfg.GeminiAPIKey,
				Model:             cfg.Model,
				VoiceName:         cfg.VoiceName,
				SystemInstruction: cfg.SystemInstruction,
				Tools:             live.ToolDeclarations(),
				InputSampleRate:   cfg.InputSampleRate,
				Handlers:          h,
			})
		},
		MicOpen:       micOpen,
		CameraOpen:    cameraOpen,
		Dispatcher:    tools.NewDispatcher(backend),
		Scheduler:     scheduler,
		SampleRate:    cfg.InputSampleRate,
		FrameInterval: cfg.FrameInterval,
		Metrics:       metrics,
		OnState: func(st session.State) {
			log.Printf("session state: %s", st)
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(runCtx); err != nil {
		log.Fatalf("session start failed: %v", err)
	}
	fmt.Println("Session active. Type a message to send text, :stop / :start to toggle, :quit to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-sigCh:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			switch strings.TrimSpace(line) {
			case "":
			case ":quit", ":q":
				break loop
			case ":stop":
				ctrl.Stop()
			case ":start":
				if err := ctrl.Start(runCtx); err != nil {
					log.Printf("start: %v", err)
				}
			default:
				if err := ctrl.SendText(line); err != nil {
					log.Printf("send text: %v", err)
				}
			}
		}
	}

	ctrl.Stop()
	if rec != nil {
		if err := writeRecording(*recordPath, rec.Bytes(), cfg.OutputSampleRate); err != nil {
			log.Printf("write recording: %v", err)
		} else {
			log.Printf("assistant audio written to %s", *recordPath)
		}
	}
	log.Printf("goodbye")
}

// pickBackend selects sandbox or the live bridge. Real mode blocks until the
// bridge reports connected credentials, walking the user through consent if
// needed.
func pickBackend(cfg config.AgentConfig, metrics *observability.Metrics) (calendar.Backend, error) {
	if cfg.Mode == "sandbox" {
		return calendar.NewSandbox(), nil
	}

	client := calendar.NewClient(cfg.BridgeURL)
	ctx := context.Background()

	st, err := client.AuthStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar bridge unreachable at %s: %w", cfg.BridgeURL, err)
	}
	if st.Connected {
		return client, nil
	}

	authURL, err := client.AuthURL(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Connect your calendar first:\n\n  %s\n\nWaiting for authorization...\n", authURL)

	if err := client.WaitForAuth(ctx, cfg.AuthPollInterval, cfg.AuthPollTimeout); err != nil {
		if errors.Is(err, calendar.ErrAuthTimeout) {
			metrics.AuthPollTimeouts.Inc()
		}
		return nil, err
	}
	fmt.Println("Calendar connected.")
	return client, nil
}
