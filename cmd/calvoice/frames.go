package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/calvoice/calvoice/internal/audio"
	"github.com/calvoice/calvoice/internal/capture"
)

// dirFrameSource cycles through the JPEG files of a directory, standing in
// for a camera. Useful for demos and for machines without video capture.
type dirFrameSource struct {
	paths []string

	mu   sync.Mutex
	next int
}

func openFrameDir(dir string) (capture.FrameSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Strings(paths)

	return &dirFrameSource{paths: paths}, nil
}

func (d *dirFrameSource) CaptureFrame(context.Context) ([]byte, string, error) {
	d.mu.Lock()
	path := d.paths[d.next]
	d.next = (d.next + 1) % len(d.paths)
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, "image/jpeg", nil
}

func (d *dirFrameSource) Close() error { return nil }

func writeRecording(path string, pcm []byte, sampleRate int) error {
	if len(pcm) == 0 {
		return fmt.Errorf("no assistant audio captured")
	}
	return audio.WriteWAVPCM16File(path, pcm, sampleRate)
}
