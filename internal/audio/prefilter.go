package audio

import (
	"fmt"
	"math"
)

// Prefilter cleans frames before they reach the VAD, so the noise floor is
// estimated on the filtered signal.
type Prefilter interface {
	Apply(samples []float32) []float32
	Reset()
}

// Prefilter names accepted by NewPrefilter.
const (
	PrefilterNone     = "none"
	PrefilterHighPass = "highpass"
)

// DefaultHighPassCutoff removes rumble and DC offset below the voice band.
const DefaultHighPassCutoff = 80.0

// NewPrefilter builds the named prefilter for sampleRate.
func NewPrefilter(name string, sampleRate int) (Prefilter, error) {
	switch name {
	case "", PrefilterNone:
		return passthrough{}, nil
	case PrefilterHighPass:
		return NewHighPass(DefaultHighPassCutoff, sampleRate), nil
	default:
		return nil, fmt.Errorf("unknown prefilter: %s", name)
	}
}

type passthrough struct{}

func (passthrough) Apply(samples []float32) []float32 { return samples }
func (passthrough) Reset()                            {}

// HighPass is a one-pole RC high-pass filter. It keeps state across frames
// so frame boundaries do not click.
type HighPass struct {
	alpha   float64
	prevIn  float64
	prevOut float64
}

// NewHighPass creates a high-pass filter with the given cutoff.
func NewHighPass(cutoffHz float64, sampleRate int) *HighPass {
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / float64(sampleRate)
	return &HighPass{alpha: rc / (rc + dt)}
}

// Apply filters samples in place and returns them.
func (h *HighPass) Apply(samples []float32) []float32 {
	for i, s := range samples {
		x := float64(s)
		y := h.alpha * (h.prevOut + x - h.prevIn)
		h.prevIn = x
		h.prevOut = y
		samples[i] = float32(y)
	}
	return samples
}

// Reset clears the filter memory.
func (h *HighPass) Reset() {
	h.prevIn = 0
	h.prevOut = 0
}
