package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/metrics"
	"github.com/satriahrh/duplex/internal/resilience"
	"github.com/satriahrh/duplex/internal/session"
)

// TurnInput is the closed utterance that starts a turn, with the wall-clock
// anchors used for latency metrics.
type TurnInput struct {
	Utterance   *audio.Utterance
	SpeechStart time.Time
	ClosedAt    time.Time
}

type taskHooks struct {
	// allocateTurn returns the next turn number once the transcript is known
	allocateTurn func() int
	// onSpeaking runs when the first audio of the turn is delivered
	onSpeaking func(*TurnTask)
	// onDone runs after the task has finalised its session state
	onDone func(*TurnTask)
}

// turnResult is written by the task goroutine and the synthesis pipeline
// it owns. It is read only after the pipeline has returned.
type turnResult struct {
	transcript repositories.Transcript
	sttLatency time.Duration
	ttft       time.Duration
	generated  []string
	delivered  []string
	speaking   bool
	failed     int
}

// TurnTask is one cancellable transcribe, generate and synthesize run bound
// to a session.
type TurnTask struct {
	id        string
	sessionID string
	cfg       Config
	deps      Dependencies
	emitter   Emitter
	input     TurnInput
	hooks     taskHooks
	logger    *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	detach    func()
	done      chan struct{}
	startOnce sync.Once

	mu         sync.Mutex
	state      entities.TurnState
	number     int
	reason     string
	transcript string
}

func newTurnTask(parent context.Context, sessionID string, cfg Config, deps Dependencies, emitter Emitter, input TurnInput, hooks taskHooks) *TurnTask {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &TurnTask{
		id:        id,
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		emitter:   emitter,
		input:     input,
		hooks:     hooks,
		logger:    deps.Logger.With(zap.String("turnID", id)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     entities.TurnRunning,
	}
}

// ID returns the task id
func (t *TurnTask) ID() string {
	return t.id
}

// Start runs the task in its own goroutine. Later calls are no-ops.
func (t *TurnTask) Start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

// Cancel asks the task to stop. The first reason wins. It does not wait;
// use Wait for that.
func (t *TurnTask) Cancel(reason string) {
	t.mu.Lock()
	if t.reason == "" && !t.state.Done() {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

// Wait blocks until the task has finished unwinding or ctx is done
func (t *TurnTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task has finished
func (t *TurnTask) Done() <-chan struct{} {
	return t.done
}

// State returns the lifecycle state
func (t *TurnTask) State() entities.TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Number returns the turn number, or 0 before the transcript is known
func (t *TurnTask) Number() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.number
}

// Transcript returns the user text of the turn
func (t *TurnTask) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcript
}

func (t *TurnTask) run() {
	defer close(t.done)
	defer t.cancel()

	t.deps.Metrics.TurnStarted()
	defer t.deps.Metrics.TurnEnded()

	res := &turnResult{}
	err := t.process(res)
	t.finish(res, err)

	if t.hooks.onDone != nil {
		t.hooks.onDone(t)
	}
}

func (t *TurnTask) process(res *turnResult) error {
	transcript, err := t.transcribe(res)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		t.logger.Debug("Empty transcript, skipping turn")
		return nil
	}
	res.transcript = transcript

	number := t.hooks.allocateTurn()
	t.mu.Lock()
	t.number = number
	t.transcript = text
	t.mu.Unlock()
	t.logger = t.logger.With(zap.Int("turn", number))

	t.logger.Info("Turn started", zap.String("transcript", truncate(text, 60)))
	t.emit(domain.NewTranscription(text, true))
	t.emit(domain.NewEvent(domain.MessageTypeUserTranscriptionComplete))
	t.emit(domain.NewStatus(domain.StatusThinking))

	snapshot, err := t.deps.Registry.Peek(t.sessionID)
	if err != nil {
		return domain.Fatal("load session", err)
	}
	req := repositories.ChatRequest{
		SessionID:    t.sessionID,
		Instructions: snapshot.Instructions(),
		History:      chatHistory(snapshot.ConversationWindow(t.cfg.HistoryWindow)),
		UserText:     text,
		Language:     transcript.Language,
	}

	genCtx, cancelGen := context.WithTimeout(t.ctx, t.cfg.LLMTimeout)
	defer cancelGen()

	genStart := time.Now()
	reply, err := resilience.RetryWithResult(genCtx, t.deps.Retry, t.logger, func() (repositories.ReplyStream, error) {
		return t.deps.LLM.StreamReply(genCtx, req)
	})
	if err != nil {
		return fmt.Errorf("failed to open reply stream: %w", err)
	}
	sentences := NewSentenceStream(reply)
	defer sentences.Close()

	next := func(ctx context.Context) (string, error) {
		sentence, err := sentences.Next(ctx)
		if err == nil {
			if res.ttft == 0 {
				res.ttft = time.Since(genStart)
			}
			res.generated = append(res.generated, sentence)
		}
		return sentence, err
	}

	pipeline := NewSynthesisPipeline(t.deps.TTS, t.deps.Breaker, t.cfg.TTSTimeout, t.cfg.SynthConcurrency)
	return pipeline.Run(t.ctx, next, func(r SentenceAudio) error {
		return t.deliver(res, r)
	})
}

func (t *TurnTask) transcribe(res *turnResult) (repositories.Transcript, error) {
	u := t.input.Utterance
	wav, err := audio.EncodeWAV(u.Samples, u.SampleRate)
	if err != nil {
		return repositories.Transcript{}, fmt.Errorf("failed to encode utterance: %w", err)
	}
	audioCfg := repositories.AudioConfig{
		SampleRate: u.SampleRate,
		Encoding:   "LINEAR16",
		Language:   t.cfg.Language,
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.STTTimeout)
	defer cancel()
	start := time.Now()
	defer func() { res.sttLatency = time.Since(start) }()

	streaming, ok := t.deps.STT.(repositories.StreamingSpeechToText)
	if !ok {
		return resilience.RetryWithResult(ctx, t.deps.Retry, t.logger, func() (repositories.Transcript, error) {
			return t.deps.STT.TranscribeAudio(ctx, wav, audioCfg)
		})
	}

	results, err := resilience.RetryWithResult(ctx, t.deps.Retry, t.logger, func() (<-chan repositories.TranscriptResult, error) {
		return streaming.TranscribeStream(ctx, wav, audioCfg)
	})
	if err != nil {
		return repositories.Transcript{}, err
	}

	var final repositories.Transcript
	var parts []string
	for r := range results {
		if r.Err != nil {
			return repositories.Transcript{}, r.Err
		}
		if !r.IsFinal {
			if r.Text != "" {
				t.emit(domain.NewTranscription(r.Text, false))
			}
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
		}
		if final.Language == "" {
			final.Language = r.Language
		}
		final.Confidence = r.Confidence
	}
	if err := ctx.Err(); err != nil {
		return repositories.Transcript{}, err
	}
	final.Text = strings.Join(parts, " ")
	return final, nil
}

// deliver runs on the pipeline's consumer goroutine, one sentence at a
// time in generation order.
func (t *TurnTask) deliver(res *turnResult, r SentenceAudio) error {
	if r.Err != nil {
		if domain.IsCancellation(r.Err) {
			return r.Err
		}
		res.failed++
		t.deps.Metrics.SynthesisFailed()
		t.logger.Warn("Skipping sentence after synthesis failure",
			zap.Int("sentence", r.Seq),
			zap.Error(r.Err))
		return nil
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}

	if !res.speaking {
		res.speaking = true
		t.startSpeaking(res, r)
	}

	if err := t.emitter.SendAudio(r.Audio); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	res.delivered = append(res.delivered, r.Text)
	t.emit(domain.NewPartialResponse(strings.Join(res.delivered, " ")))
	return nil
}

func (t *TurnTask) startSpeaking(res *turnResult, first SentenceAudio) {
	now := time.Now()
	if err := t.deps.Registry.SetPlaying(t.sessionID, true); err != nil {
		t.logger.Warn("Failed to mark session playing", zap.Error(err))
	}
	if t.hooks.onSpeaking != nil {
		t.hooks.onSpeaking(t)
	}
	t.emit(domain.NewStatus(domain.StatusSpeaking))

	latency := entities.TurnLatency{
		STT: res.sttLatency,
		LLM: res.ttft,
		TTS: first.Latency,
		E2E: now.Sub(t.input.ClosedAt),
	}
	if !t.input.SpeechStart.IsZero() {
		latency.VAD = t.input.ClosedAt.Sub(t.input.SpeechStart)
	}
	if err := t.deps.Registry.RecordTurnMetrics(t.sessionID, latency); err != nil {
		t.logger.Warn("Failed to record turn metrics", zap.Error(err))
	}
	t.deps.Metrics.ObserveTurnLatency(latency)

	t.emit(domain.NewPipelineMetrics(domain.PipelineMetrics{
		VAD: latency.VAD.Milliseconds(),
		STT: latency.STT.Milliseconds(),
		LLM: latency.LLM.Milliseconds(),
		TTS: latency.TTS.Milliseconds(),
		E2E: latency.E2E.Milliseconds(),
	}, t.Number()))

	t.logger.Info("Turn latency",
		zap.Duration("vad", latency.VAD),
		zap.Duration("stt", latency.STT),
		zap.Duration("llm", latency.LLM),
		zap.Duration("tts", latency.TTS),
		zap.Duration("e2e", latency.E2E))
}

// finish resolves the outcome, applies the session updates of the turn in
// one guarded step, and emits the closing events.
func (t *TurnTask) finish(res *turnResult, err error) {
	// a cancel that lands after the last sentence was generated still
	// cancels the turn, whatever the pipeline returned
	state := entities.TurnCompleted
	switch {
	case t.ctx.Err() != nil:
		state = entities.TurnCancelled
	case err == nil:
	default:
		state = entities.TurnFailed
	}

	t.mu.Lock()
	t.state = state
	number := t.number
	transcript := t.transcript
	reason := t.reason
	t.mu.Unlock()
	if reason == "" {
		reason = domain.ReasonDisconnect
	}

	full := strings.Join(res.generated, " ")
	partial := strings.Join(res.delivered, " ")

	updateErr := t.deps.Registry.Update(t.sessionID, func(s *entities.Session) {
		s.IsPlaying = false
		if number == 0 {
			return
		}
		s.Metrics.TotalTurns++
		switch state {
		case entities.TurnCompleted:
			s.AppendTurn(number, transcript, full, false)
		case entities.TurnCancelled:
			s.Metrics.CancelledTurns++
			if t.cfg.PartialSaveMode == PartialSaveMarked && partial != "" {
				s.AppendTurn(number, transcript, partial+" "+entities.InterruptedMarker, true)
			}
		case entities.TurnFailed:
			s.Metrics.FailedTurns++
		}
	})
	if errors.Is(updateErr, session.ErrSessionNotFound) {
		t.logger.Debug("Session gone before turn finished")
	}

	switch state {
	case entities.TurnCompleted:
		if number == 0 {
			break
		}
		t.deps.Metrics.TurnFinished(metrics.OutcomeCompleted)
		t.logger.Info("Turn complete", zap.Int("sentences", len(res.delivered)), zap.Int("skipped", res.failed))
		t.emit(domain.NewEvent(domain.MessageTypeAgentResponseComplete))
		t.emit(domain.NewTurnComplete(number))
	case entities.TurnCancelled:
		t.deps.Metrics.TurnFinished(metrics.OutcomeCancelled)
		t.logger.Info("Turn cancelled", zap.String("reason", reason), zap.Int("delivered", len(res.delivered)))
		if number != 0 {
			if partial != "" {
				t.emit(domain.NewEvent(domain.MessageTypeAgentResponseComplete))
			}
			t.emit(domain.NewTurnCancelled(number, reason))
		}
	case entities.TurnFailed:
		t.deps.Metrics.TurnFinished(metrics.OutcomeFailed)
		t.logger.Error("Turn failed", zap.Error(err), zap.String("kind", domain.KindOf(err).String()))
		t.emit(domain.NewTurnError(number, "Failed to process turn"))
	}
	t.emit(domain.NewStatus(domain.StatusIdle))
}

func (t *TurnTask) emit(msg domain.Message) {
	if err := t.emitter.SendEvent(msg); err != nil {
		t.logger.Debug("Failed to send event", zap.String("type", string(msg.MessageType())), zap.Error(err))
	}
}

func chatHistory(msgs []entities.SessionMessage) []repositories.ChatMessage {
	out := make([]repositories.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := repositories.UserRole
		if m.Role == entities.MessageRoleAssistant {
			role = repositories.AssistantRole
		}
		out = append(out, repositories.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
