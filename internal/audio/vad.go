package audio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// VADConfig configures the voice activity detector.
type VADConfig struct {
	SampleRate int
	// LowFreq and HighFreq bound the band whose energy is measured, in Hz.
	LowFreq  float64
	HighFreq float64
	// NoiseAlpha is the decay of the exponential noise floor estimate.
	NoiseAlpha          float64
	ThresholdMultiplier float64
	// MinThreshold keeps very quiet rooms from triggering on hiss.
	MinThreshold      float64
	InitialNoiseFloor float64
	MinSpeechFrames   int
	HangoverFrames    int
	// SmoothingFrames is the moving average window over frame energies.
	SmoothingFrames int
}

// DefaultVADConfig returns settings tuned for 16 kHz speech in 20 ms frames.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SampleRate:          16000,
		LowFreq:             100,
		HighFreq:            3500,
		NoiseAlpha:          0.95,
		ThresholdMultiplier: 2.0,
		MinThreshold:        0.008,
		InitialNoiseFloor:   0.005,
		MinSpeechFrames:     2,
		HangoverFrames:      5,
		SmoothingFrames:     3,
	}
}

// Validate checks the configuration
func (c VADConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.LowFreq < 0 || c.HighFreq <= c.LowFreq {
		return fmt.Errorf("invalid band %.0f-%.0f Hz", c.LowFreq, c.HighFreq)
	}
	if c.NoiseAlpha <= 0 || c.NoiseAlpha >= 1 {
		return fmt.Errorf("noise alpha must be in (0, 1), got %f", c.NoiseAlpha)
	}
	if c.ThresholdMultiplier <= 0 {
		return fmt.Errorf("threshold multiplier must be positive, got %f", c.ThresholdMultiplier)
	}
	if c.MinSpeechFrames < 1 || c.HangoverFrames < 1 {
		return fmt.Errorf("min speech frames and hangover frames must be at least 1")
	}
	if c.SmoothingFrames < 1 {
		return fmt.Errorf("smoothing frames must be at least 1, got %d", c.SmoothingFrames)
	}
	return nil
}

// VADEvent is a state transition reported by the detector.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// VADDecision is the classification of one frame.
type VADDecision struct {
	IsSpeech  bool
	Event     VADEvent
	Energy    float64
	Smoothed  float64
	Threshold float64
}

// VADStats is a debugging snapshot of the detector.
type VADStats struct {
	InSpeech      bool    `json:"in_speech"`
	SpeechFrames  int     `json:"speech_frames"`
	SilenceFrames int     `json:"silence_frames"`
	NoiseFloor    float64 `json:"noise_floor"`
	Threshold     float64 `json:"threshold"`
}

// VoiceActivityDetector classifies frames as speech or silence using
// band-limited energy against an adaptive noise floor, with hysteresis on
// both transitions. It is deterministic and not safe for concurrent use.
type VoiceActivityDetector struct {
	cfg VADConfig

	noiseFloor    float64
	speechFrames  int
	silenceFrames int
	inSpeech      bool

	history []float64
	histPos int
	histLen int

	fft    *fourier.FFT
	seq    []float64
	coeffs []complex128
}

// NewVoiceActivityDetector creates a detector from cfg
func NewVoiceActivityDetector(cfg VADConfig) (*VoiceActivityDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &VoiceActivityDetector{
		cfg:     cfg,
		history: make([]float64, cfg.SmoothingFrames),
	}
	v.Reset()
	return v, nil
}

// Process classifies one frame. An empty frame has zero energy and always
// counts as quiet.
func (v *VoiceActivityDetector) Process(samples []float32) VADDecision {
	energy := v.bandLimitedRMS(samples)
	v.pushEnergy(energy)
	smoothed := v.smoothedEnergy()

	// Speech must never raise the floor.
	if !v.inSpeech {
		v.noiseFloor = v.cfg.NoiseAlpha*v.noiseFloor + (1-v.cfg.NoiseAlpha)*energy
	}

	threshold := v.threshold()
	loud := len(samples) > 0 && smoothed > threshold

	wasSpeech := v.inSpeech
	if loud {
		v.speechFrames++
		v.silenceFrames = 0
		if v.speechFrames >= v.cfg.MinSpeechFrames {
			v.inSpeech = true
		}
	} else {
		v.silenceFrames++
		v.speechFrames = 0
		if v.silenceFrames >= v.cfg.HangoverFrames {
			v.inSpeech = false
		}
	}

	event := VADNone
	switch {
	case !wasSpeech && v.inSpeech:
		event = VADSpeechStart
	case wasSpeech && !v.inSpeech:
		event = VADSpeechEnd
	}

	return VADDecision{
		IsSpeech:  v.inSpeech,
		Event:     event,
		Energy:    energy,
		Smoothed:  smoothed,
		Threshold: threshold,
	}
}

// Reset restores the initial state. Call it only between sessions, never
// in the middle of an utterance.
func (v *VoiceActivityDetector) Reset() {
	v.noiseFloor = v.cfg.InitialNoiseFloor
	v.speechFrames = 0
	v.silenceFrames = 0
	v.inSpeech = false
	for i := range v.history {
		v.history[i] = 0
	}
	v.histPos = 0
	v.histLen = 0
}

// InSpeech reports the current state
func (v *VoiceActivityDetector) InSpeech() bool {
	return v.inSpeech
}

// Stats returns the current detector state
func (v *VoiceActivityDetector) Stats() VADStats {
	return VADStats{
		InSpeech:      v.inSpeech,
		SpeechFrames:  v.speechFrames,
		SilenceFrames: v.silenceFrames,
		NoiseFloor:    v.noiseFloor,
		Threshold:     v.threshold(),
	}
}

func (v *VoiceActivityDetector) threshold() float64 {
	return math.Max(v.cfg.MinThreshold, v.noiseFloor*v.cfg.ThresholdMultiplier)
}

func (v *VoiceActivityDetector) pushEnergy(e float64) {
	v.history[v.histPos] = e
	v.histPos = (v.histPos + 1) % len(v.history)
	if v.histLen < len(v.history) {
		v.histLen++
	}
}

func (v *VoiceActivityDetector) smoothedEnergy() float64 {
	if v.histLen == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < v.histLen; i++ {
		sum += v.history[i]
	}
	return sum / float64(v.histLen)
}

// bandLimitedRMS is the RMS magnitude of the FFT bins inside the voice band.
func (v *VoiceActivityDetector) bandLimitedRMS(samples []float32) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	if v.fft == nil || v.fft.Len() != n {
		v.fft = fourier.NewFFT(n)
		v.seq = make([]float64, n)
		v.coeffs = make([]complex128, n/2+1)
	}
	for i, s := range samples {
		v.seq[i] = float64(s)
	}
	v.coeffs = v.fft.Coefficients(v.coeffs, v.seq)

	var power float64
	var bins int
	rate := float64(v.cfg.SampleRate)
	for i, c := range v.coeffs {
		f := v.fft.Freq(i) * rate
		if f < v.cfg.LowFreq || f > v.cfg.HighFreq {
			continue
		}
		re, im := real(c), imag(c)
		power += re*re + im*im
		bins++
	}
	if bins == 0 {
		return 0
	}
	return math.Sqrt(power / float64(bins))
}
