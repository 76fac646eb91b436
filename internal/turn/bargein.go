package turn

import "time"

// BargeInConfig configures barge-in detection
type BargeInConfig struct {
	// IgnoreAfterTTS suppresses detection right after agent speech starts,
	// when the microphone mostly hears the agent's own audio.
	IgnoreAfterTTS time.Duration
	// MinSpeech is how long renewed user speech must persist.
	MinSpeech time.Duration
}

// DefaultBargeInConfig returns the defaults
func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{
		IgnoreAfterTTS: 1500 * time.Millisecond,
		MinSpeech:      500 * time.Millisecond,
	}
}

// BargeInDetector decides when user speech during agent playback is a real
// interruption. All times are stream-clock offsets, so the decision depends
// only on the frames observed. It fires at most once per agent response.
type BargeInDetector struct {
	cfg BargeInConfig

	active   bool
	onset    time.Duration
	running  bool
	runStart time.Duration
	fired    bool
}

// NewBargeInDetector creates an idle detector
func NewBargeInDetector(cfg BargeInConfig) *BargeInDetector {
	return &BargeInDetector{cfg: cfg}
}

// AgentStarted arms the detector at the onset of agent speech
func (b *BargeInDetector) AgentStarted(at time.Duration) {
	b.active = true
	b.onset = at
	b.running = false
	b.fired = false
}

// AgentStopped disarms the detector
func (b *BargeInDetector) AgentStopped() {
	b.active = false
	b.running = false
}

// Armed reports whether agent speech is being watched
func (b *BargeInDetector) Armed() bool {
	return b.active && !b.fired
}

// Observe feeds one frame ending at stream offset at. It returns true on the
// frame that confirms a barge-in.
func (b *BargeInDetector) Observe(isSpeech bool, at, frameDur time.Duration) bool {
	if !b.active || b.fired {
		return false
	}
	if at-b.onset < b.cfg.IgnoreAfterTTS || !isSpeech {
		b.running = false
		return false
	}
	if !b.running {
		b.running = true
		b.runStart = at - frameDur
	}
	if at-b.runStart >= b.cfg.MinSpeech {
		b.fired = true
		return true
	}
	return false
}
