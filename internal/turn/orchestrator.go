package turn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/metrics"
	"github.com/satriahrh/duplex/internal/resilience"
	"github.com/satriahrh/duplex/internal/session"
)

// Emitter sends frames to the client of one connection. Implementations
// must be safe for concurrent use.
type Emitter interface {
	SendEvent(msg domain.Message) error
	SendAudio(data []byte) error
}

// PartialSaveMode decides what a cancelled turn leaves in history
type PartialSaveMode string

const (
	// PartialSaveNone discards cancelled turns from history.
	PartialSaveNone PartialSaveMode = "none"
	// PartialSaveMarked stores the delivered text with the interrupted marker.
	PartialSaveMarked PartialSaveMode = "marked"
)

// Config configures turn-taking for one connection
type Config struct {
	SampleRate int
	Encoding   audio.Encoding
	Prefilter  string
	Language   string

	VAD       audio.VADConfig
	Collector audio.CollectorConfig
	BargeIn   BargeInConfig

	STTTimeout       time.Duration
	LLMTimeout       time.Duration
	TTSTimeout       time.Duration
	SynthConcurrency int
	HistoryWindow    int
	PartialSaveMode  PartialSaveMode
}

// DefaultConfig returns the defaults for 16 kHz PCM16 input
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		Encoding:         audio.EncodingPCM16,
		Prefilter:        audio.PrefilterNone,
		Language:         "en-US",
		VAD:              audio.DefaultVADConfig(),
		Collector:        audio.DefaultCollectorConfig(),
		BargeIn:          DefaultBargeInConfig(),
		STTTimeout:       10 * time.Second,
		LLMTimeout:       30 * time.Second,
		TTSTimeout:       15 * time.Second,
		SynthConcurrency: 2,
		HistoryWindow:    10,
		PartialSaveMode:  PartialSaveMarked,
	}
}

// Dependencies are the collaborators shared by every connection
type Dependencies struct {
	STT      repositories.SpeechToText
	LLM      repositories.LargeLanguageModel
	TTS      repositories.TextToSpeech
	Registry *session.Registry
	Metrics  *metrics.Metrics
	Breaker  *resilience.Breaker
	Retry    resilience.RetryConfig
	Logger   *zap.Logger
}

// Orchestrator is the per-connection control loop. HandleFrame and
// HandleControl must be called from a single goroutine, the connection's
// read loop. At most one turn task is alive at any time.
type Orchestrator struct {
	sessionID string
	cfg       Config
	deps      Dependencies
	emitter   Emitter
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the read loop.
	vad             *audio.VoiceActivityDetector
	collector       *audio.UtteranceCollector
	prefilter       audio.Prefilter
	paused          bool
	speechStartWall time.Time

	// Stream clock in nanoseconds, read by task hooks.
	clock atomic.Int64

	// turnMu serializes cancel, await and spawn.
	turnMu sync.Mutex

	mu      sync.Mutex
	state   entities.ConversationState
	task    *TurnTask
	bargeIn *BargeInDetector
	turns   int
	closed  bool
}

// New creates an orchestrator for an existing session
func New(sessionID string, cfg Config, deps Dependencies, emitter Emitter) (*Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.Registry == nil {
		return nil, domain.Fatal("new orchestrator", fmt.Errorf("missing collaborator"))
	}
	if cfg.Collector.SampleRate == 0 {
		cfg.Collector.SampleRate = cfg.SampleRate
	}

	vad, err := audio.NewVoiceActivityDetector(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}
	collector, err := audio.NewUtteranceCollector(cfg.Collector)
	if err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	prefilter, err := audio.NewPrefilter(cfg.Prefilter, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		emitter:   emitter,
		logger:    deps.Logger.With(zap.String("sessionID", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
		vad:       vad,
		collector: collector,
		prefilter: prefilter,
		state:     entities.StateListening,
		bargeIn:   NewBargeInDetector(cfg.BargeIn),
	}, nil
}

// SessionID returns the session this orchestrator drives
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// State returns the conversation state
func (o *Orchestrator) State() entities.ConversationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ActiveTask returns the in-flight task or nil
func (o *Orchestrator) ActiveTask() *TurnTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.task
}

// HandleFrame processes one binary audio frame. A frame that cannot be
// decoded returns a protocol error; the connection stays usable.
func (o *Orchestrator) HandleFrame(ctx context.Context, data []byte) error {
	if o.paused || o.isClosed() {
		return nil
	}

	samples, err := audio.Decode(data, o.cfg.Encoding)
	if err != nil {
		return domain.Protocol("decode frame", err)
	}
	if len(samples) == 0 {
		return nil
	}
	frameDur := audio.FrameDuration(len(samples), o.cfg.SampleRate)
	at := time.Duration(o.clock.Add(int64(frameDur)))

	samples = o.prefilter.Apply(samples)
	decision := o.vad.Process(samples)
	o.deps.Metrics.VADFrame(decision.IsSpeech)

	switch decision.Event {
	case audio.VADSpeechStart:
		o.speechStartWall = time.Now()
		o.emit(domain.NewVAD(decision.Event.String()))
		if o.State() == entities.StateListening {
			o.emit(domain.NewStatus(domain.StatusListening))
		}
	case audio.VADSpeechEnd:
		o.emit(domain.NewVAD(decision.Event.String()))
	}

	if o.observeBargeIn(decision.IsSpeech, at, frameDur) {
		o.handleBargeIn(ctx)
	}

	result := o.collector.Process(samples, decision.IsSpeech, frameDur)
	switch result.Event {
	case audio.CollectorEarly:
		o.logger.Debug("Utterance reached early trigger", zap.Duration("at", at))
	case audio.CollectorClosed:
		o.onUtterance(ctx, result.Utterance)
	}
	return nil
}

// HandleControl processes one decoded control frame
func (o *Orchestrator) HandleControl(ctx context.Context, msg domain.Message) error {
	switch m := msg.(type) {
	case *domain.ControlMessage:
		switch m.Action {
		case domain.ControlActionStart:
			o.paused = false
			o.emit(domain.NewStatus(domain.StatusListening))
		case domain.ControlActionStop:
			o.paused = true
			o.flush(ctx)
			o.emit(domain.NewStatus(domain.StatusIdle))
		default:
			return domain.Protocol("control", fmt.Errorf("unknown action %q", m.Action))
		}
	case *domain.InterruptMessage:
		o.Interrupt(ctx)
	case *domain.AudioEndMessage:
		o.flush(ctx)
	default:
		return domain.Protocol("control", fmt.Errorf("unsupported message type %q", msg.MessageType()))
	}
	return nil
}

// Interrupt stops the agent on client request
func (o *Orchestrator) Interrupt(ctx context.Context) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.cancelAndAwait(ctx, domain.ReasonClientInterrupt)
	o.resetToListening()
	o.emit(domain.NewEvent(domain.MessageTypeInterruptAck))
}

// Close cancels any in-flight turn and waits for it to unwind.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	o.cancelAndAwait(ctx, domain.ReasonDisconnect)
	o.cancel()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) flush(ctx context.Context) {
	if u := o.collector.Flush(); u != nil {
		o.onUtterance(ctx, u)
	}
}

func (o *Orchestrator) observeBargeIn(isSpeech bool, at, frameDur time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != entities.StateSpeaking {
		return false
	}
	return o.bargeIn.Observe(isSpeech, at, frameDur)
}

func (o *Orchestrator) handleBargeIn(ctx context.Context) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	task := o.ActiveTask()
	if task == nil {
		return
	}
	o.logger.Info("Barge-in detected", zap.Int("turn", task.Number()))

	task.Cancel(domain.ReasonBargeIn)
	o.await(ctx, task)
	o.resetToListening()

	if err := o.deps.Registry.IncrementInterruptions(o.sessionID); err != nil {
		o.logger.Warn("Failed to count interruption", zap.Error(err))
	}
	o.deps.Metrics.BargeIn()

	o.emit(domain.NewInterrupt())
	o.emit(domain.NewStopAudio(domain.ReasonBargeIn))
}

func (o *Orchestrator) onUtterance(ctx context.Context, u *audio.Utterance) {
	if u == nil {
		return
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if o.State() == entities.StateSpeaking {
		// No barge-in was confirmed, so this is the agent's own audio.
		o.logger.Debug("Discarding utterance during playback", zap.Duration("duration", u.Duration))
		return
	}
	o.cancelAndAwait(ctx, domain.ReasonSuperseded)
	if o.ActiveTask() != nil || o.isClosed() {
		return
	}
	o.spawn(u)
}

// spawn starts a task for u. Callers hold turnMu and have awaited any
// previous task.
func (o *Orchestrator) spawn(u *audio.Utterance) {
	input := TurnInput{
		Utterance:   u,
		SpeechStart: o.speechStartWall,
		ClosedAt:    time.Now(),
	}
	deps := o.deps
	deps.Logger = o.logger
	task := newTurnTask(o.ctx, o.sessionID, o.cfg, deps, o.emitter, input, taskHooks{
		allocateTurn: o.allocateTurn,
		onSpeaking:   o.onSpeaking,
		onDone:       o.onTaskDone,
	})

	detach, err := o.deps.Registry.Attach(o.sessionID, func() {
		task.Cancel(domain.ReasonContextUpdate)
	})
	if err != nil {
		o.logger.Warn("Session gone, dropping utterance", zap.Error(err))
		return
	}
	task.detach = detach

	o.mu.Lock()
	o.task = task
	o.state = entities.StateProcessing
	o.mu.Unlock()

	o.logger.Debug("Spawning turn task",
		zap.String("taskID", task.ID()),
		zap.Duration("utterance", u.Duration))
	task.Start()
}

func (o *Orchestrator) allocateTurn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns++
	return o.turns
}

func (o *Orchestrator) onSpeaking(t *TurnTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task != t {
		return
	}
	o.state = entities.StateSpeaking
	o.bargeIn.AgentStarted(time.Duration(o.clock.Load()))
}

func (o *Orchestrator) onTaskDone(t *TurnTask) {
	if t.detach != nil {
		t.detach()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task != t {
		return
	}
	o.task = nil
	o.state = entities.StateListening
	o.bargeIn.AgentStopped()
}

// cancelAndAwait cancels the active task and blocks until it has finished.
// Callers hold turnMu.
func (o *Orchestrator) cancelAndAwait(ctx context.Context, reason string) {
	task := o.ActiveTask()
	if task == nil {
		return
	}
	task.Cancel(reason)
	o.await(ctx, task)
}

func (o *Orchestrator) await(ctx context.Context, task *TurnTask) {
	if err := task.Wait(ctx); err != nil {
		o.logger.Warn("Gave up waiting for turn task", zap.String("taskID", task.ID()), zap.Error(err))
	}
}

func (o *Orchestrator) resetToListening() {
	o.mu.Lock()
	o.state = entities.StateListening
	o.bargeIn.AgentStopped()
	o.mu.Unlock()

	if err := o.deps.Registry.SetPlaying(o.sessionID, false); err != nil {
		o.logger.Debug("Failed to clear playing flag", zap.Error(err))
	}
}

func (o *Orchestrator) emit(msg domain.Message) {
	if err := o.emitter.SendEvent(msg); err != nil {
		o.logger.Debug("Failed to send event", zap.String("type", string(msg.MessageType())), zap.Error(err))
	}
}
