// Package audio turns raw transport frames into normalised samples and
// classifies them into speech and utterances.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Encoding is the wire encoding of inbound binary frames.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
	EncodingAlaw  Encoding = "alaw"
)

// ParseEncoding accepts the encoding names clients send in control messages.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pcm16", "pcm", "linear16", "s16le":
		return EncodingPCM16, nil
	case "mulaw", "ulaw", "pcmu":
		return EncodingMulaw, nil
	case "alaw", "pcma":
		return EncodingAlaw, nil
	default:
		return "", fmt.Errorf("unsupported encoding: %s", s)
	}
}

// Decode converts one binary frame into mono samples in [-1, 1].
func Decode(data []byte, enc Encoding) ([]float32, error) {
	switch enc {
	case EncodingPCM16, "":
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("pcm16 frame has odd length %d", len(data))
		}
		return PCM16ToFloat(data), nil
	case EncodingMulaw:
		return PCM16ToFloat(g711.DecodeUlaw(data)), nil
	case EncodingAlaw:
		return PCM16ToFloat(g711.DecodeAlaw(data)), nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", enc)
	}
}

// PCM16ToFloat converts little-endian signed 16-bit samples to floats.
func PCM16ToFloat(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// FloatToPCM16 converts samples in [-1, 1] to little-endian 16-bit PCM,
// clamping out-of-range values.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

// FrameDuration returns the playback time of n samples.
func FrameDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
