// Package audio converts captured float PCM into the 16-bit frames the
// desktop app consumes, and owns the teardown of live captures.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// DefaultSampleRate is the capture rate requested from the page peer.
	DefaultSampleRate = 16000
	// DefaultBufferSize is the per-frame sample count. Must match the
	// script processor buffer on the page side.
	DefaultBufferSize = 4096
)

// Frame is one fixed-size chunk of converted audio ready for the wire.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// ConvertFloat32 converts float PCM in [-1, 1] to signed 16-bit samples.
// Out-of-range input is clamped. Negative samples scale by 32768 and
// non-negative by 32767 so both endpoints map onto the int16 range exactly.
func ConvertFloat32(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = convertSample(s)
	}
	return out
}

func convertSample(s float32) int16 {
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodeFloat32LE packs float PCM as little-endian bytes for transport.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32LE unpacks little-endian float PCM bytes.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("pcm payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
