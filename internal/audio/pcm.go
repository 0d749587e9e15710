package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EncodePCM16 converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range samples are clamped before quantization; clipping loud input is
// preferred over corrupting the byte stream with wrapped values.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM bytes back to float samples.
// The byte length must be even.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32767
	}
	return out, nil
}

// PCM16Duration returns the playback duration of a PCM16 mono byte payload.
func PCM16Duration(numBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 || numBytes <= 0 {
		return 0
	}
	samples := numBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS computes the root-mean-square level of a sample window.
// Used for UI level meters; it never mutates the window.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
