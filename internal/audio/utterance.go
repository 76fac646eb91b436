package audio

import (
	"fmt"
	"time"
)

// CollectorConfig configures utterance segmentation.
type CollectorConfig struct {
	SampleRate int
	// SilenceTimeout is the continuous silence that closes an utterance.
	SilenceTimeout time.Duration
	// MinUtterance discards shorter utterances as noise.
	MinUtterance time.Duration
	// EarlyTrigger is the elapsed speech after which the early-intent
	// signal fires once. Zero disables it.
	EarlyTrigger time.Duration
	// PreRoll is how much audio ahead of the confirmed speech start is
	// kept in the utterance. The VAD confirms speech a few frames late.
	PreRoll time.Duration
}

// DefaultCollectorConfig returns the defaults used for 16 kHz audio.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		SampleRate:     16000,
		SilenceTimeout: 700 * time.Millisecond,
		MinUtterance:   300 * time.Millisecond,
		EarlyTrigger:   time.Second,
		PreRoll:        100 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c CollectorConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("silence timeout must be positive, got %s", c.SilenceTimeout)
	}
	if c.MinUtterance < 0 || c.EarlyTrigger < 0 || c.PreRoll < 0 {
		return fmt.Errorf("min utterance, early trigger and pre-roll must not be negative")
	}
	return nil
}

// CollectorEvent is the outcome of feeding one frame to the collector.
type CollectorEvent int

const (
	CollectorNone CollectorEvent = iota
	CollectorEarly
	CollectorClosed
)

func (e CollectorEvent) String() string {
	switch e {
	case CollectorEarly:
		return "early"
	case CollectorClosed:
		return "closed"
	default:
		return "none"
	}
}

// Utterance is one closed span of user speech.
type Utterance struct {
	Samples    []float32
	SampleRate int
	// Start is the stream offset of the first sample, pre-roll included.
	Start time.Duration
	// Duration spans Samples, from Start to the last speech frame.
	Duration time.Duration
}

// CollectorResult is returned for every processed frame. Utterance is set
// only when Event is CollectorClosed.
type CollectorResult struct {
	Event     CollectorEvent
	Utterance *Utterance
}

// UtteranceCollector turns frame-level speech decisions into utterances.
// Time is measured on the stream clock (the sum of frame durations), so the
// result depends only on the frames fed in. Not safe for concurrent use.
type heldFrame struct {
	samples []float32
	dur     time.Duration
}

type UtteranceCollector struct {
	cfg CollectorConfig

	clock      time.Duration
	prevSpeech bool

	// recent frames, newest last, bounded by cfg.PreRoll
	history    []heldFrame
	historyDur time.Duration

	active     bool
	start      time.Duration
	onset      time.Duration
	lastSpeech time.Duration
	speechLen  int
	earlyFired bool
	buf        []float32
}

// NewUtteranceCollector creates a collector from cfg
func NewUtteranceCollector(cfg CollectorConfig) (*UtteranceCollector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &UtteranceCollector{cfg: cfg}, nil
}

// Process feeds one frame with its speech decision and duration.
func (c *UtteranceCollector) Process(samples []float32, isSpeech bool, frameDur time.Duration) CollectorResult {
	frameStart := c.clock
	c.clock += frameDur

	speechStart := isSpeech && !c.prevSpeech
	c.prevSpeech = isSpeech

	if speechStart {
		// A new speech start always restarts the buffer.
		c.begin(frameStart)
	}
	c.hold(samples, frameDur)
	if !c.active {
		return CollectorResult{}
	}

	c.buf = append(c.buf, samples...)
	if isSpeech {
		c.lastSpeech = c.clock
		c.speechLen = len(c.buf)
	}

	if !isSpeech && c.clock-c.lastSpeech >= c.cfg.SilenceTimeout {
		if u := c.close(); u != nil {
			return CollectorResult{Event: CollectorClosed, Utterance: u}
		}
		return CollectorResult{}
	}

	if c.cfg.EarlyTrigger > 0 && !c.earlyFired && c.clock-c.onset >= c.cfg.EarlyTrigger {
		c.earlyFired = true
		return CollectorResult{Event: CollectorEarly}
	}

	return CollectorResult{}
}

// Flush closes any open utterance at end of stream. It returns nil when
// nothing was open or the span is shorter than the minimum.
func (c *UtteranceCollector) Flush() *Utterance {
	c.prevSpeech = false
	if !c.active {
		return nil
	}
	return c.close()
}

// Active reports whether an utterance is open
func (c *UtteranceCollector) Active() bool {
	return c.active
}

// Reset discards any open utterance and restarts the stream clock.
func (c *UtteranceCollector) Reset() {
	c.clear()
	c.history = c.history[:0]
	c.historyDur = 0
	c.clock = 0
	c.prevSpeech = false
}

// begin opens an utterance at onset, seeded with the held pre-roll frames.
func (c *UtteranceCollector) begin(onset time.Duration) {
	c.active = true
	c.onset = onset
	c.start = onset - c.historyDur
	c.lastSpeech = onset
	c.speechLen = 0
	c.earlyFired = false
	c.buf = c.buf[:0]
	for _, f := range c.history {
		c.buf = append(c.buf, f.samples...)
	}
	c.history = c.history[:0]
	c.historyDur = 0
}

// hold keeps the frame as pre-roll for a later speech start, dropping the
// oldest frames beyond cfg.PreRoll.
func (c *UtteranceCollector) hold(samples []float32, dur time.Duration) {
	if c.cfg.PreRoll <= 0 || c.active {
		return
	}
	c.history = append(c.history, heldFrame{samples: append([]float32(nil), samples...), dur: dur})
	c.historyDur += dur
	drop := 0
	for c.historyDur > c.cfg.PreRoll && drop < len(c.history) {
		c.historyDur -= c.history[drop].dur
		drop++
	}
	if drop > 0 {
		c.history = append(c.history[:0], c.history[drop:]...)
	}
}

// close ends the open utterance, trimming the trailing silence.
func (c *UtteranceCollector) close() *Utterance {
	duration := c.lastSpeech - c.start
	var u *Utterance
	if c.lastSpeech-c.onset >= c.cfg.MinUtterance && c.speechLen > 0 {
		samples := make([]float32, c.speechLen)
		copy(samples, c.buf[:c.speechLen])
		u = &Utterance{
			Samples:    samples,
			SampleRate: c.cfg.SampleRate,
			Start:      c.start,
			Duration:   duration,
		}
	}
	c.clear()
	return u
}

func (c *UtteranceCollector) clear() {
	c.active = false
	c.start = 0
	c.onset = 0
	c.lastSpeech = 0
	c.speechLen = 0
	c.earlyFired = false
	c.buf = c.buf[:0]
}
