package turn

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/audio"
	"github.com/satriahrh/duplex/internal/resilience"
	"github.com/satriahrh/duplex/internal/session"
)

const samplesPerFrame = 320 // 20 ms at 16 kHz

func toneBytes(count int) [][]byte {
	frames := make([][]byte, count)
	for f := range frames {
		samples := make([]float32, samplesPerFrame)
		for i := range samples {
			samples[i] = float32(0.3 * math.Sin(2*math.Pi*500*float64(i)/16000))
		}
		frames[f] = audio.FloatToPCM16(samples)
	}
	return frames
}

func silenceBytes(count int) [][]byte {
	frames := make([][]byte, count)
	for f := range frames {
		frames[f] = make([]byte, samplesPerFrame*2)
	}
	return frames
}

// utteranceBytes is 0.6 s of speech followed by enough silence to close it.
func utteranceBytes() [][]byte {
	return append(toneBytes(30), silenceBytes(45)...)
}

// fakeSTT transcribes every utterance as text.
type fakeSTT struct {
	text string

	mu    sync.Mutex
	calls int
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, audioData []byte, cfg repositories.AudioConfig) (repositories.Transcript, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if len(audioData) <= 44 {
		return repositories.Transcript{}, errors.New("no audio")
	}
	return repositories.Transcript{Text: f.text, Language: "en"}, nil
}

func (f *fakeSTT) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// streamingSTT reports an interim hypothesis before the final text.
type streamingSTT struct {
	fakeSTT
	interim string
}

func (f *streamingSTT) TranscribeStream(ctx context.Context, audioData []byte, cfg repositories.AudioConfig) (<-chan repositories.TranscriptResult, error) {
	ch := make(chan repositories.TranscriptResult, 2)
	ch <- repositories.TranscriptResult{Transcript: repositories.Transcript{Text: f.interim}}
	ch <- repositories.TranscriptResult{Transcript: repositories.Transcript{Text: f.text, Language: "en"}, IsFinal: true}
	close(ch)
	return ch, nil
}

// fakeLLM replies with deltas. With hang set, the stream blocks after the
// deltas until its context is cancelled.
type fakeLLM struct {
	deltas  []string
	hang    bool
	openErr error

	mu        sync.Mutex
	requests  []repositories.ChatRequest
	active    int
	maxActive int
}

func (f *fakeLLM) StreamReply(ctx context.Context, req repositories.ChatRequest) (repositories.ReplyStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	deltas := make([]string, len(f.deltas))
	copy(deltas, f.deltas)
	return &fakeReply{llm: f, deltas: deltas, hang: f.hang}, nil
}

func (f *fakeLLM) Requests() []repositories.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repositories.ChatRequest(nil), f.requests...)
}

func (f *fakeLLM) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fakeReply struct {
	llm    *fakeLLM
	deltas []string
	hang   bool
	once   sync.Once
}

func (r *fakeReply) Next(ctx context.Context) (string, error) {
	if len(r.deltas) > 0 {
		d := r.deltas[0]
		r.deltas = r.deltas[1:]
		return d, nil
	}
	if r.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "", io.EOF
}

func (r *fakeReply) Close() error {
	r.once.Do(func() {
		r.llm.mu.Lock()
		r.llm.active--
		r.llm.mu.Unlock()
	})
	return nil
}

// recordingEmitter keeps every frame sent to the client.
type recordingEmitter struct {
	// beforeAudio, when set, runs before each audio frame is recorded
	beforeAudio func(data []byte)

	mu     sync.Mutex
	events []domain.Message
	audio  [][]byte
}

func (e *recordingEmitter) SendEvent(msg domain.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, msg)
	return nil
}

func (e *recordingEmitter) SendAudio(data []byte) error {
	if e.beforeAudio != nil {
		e.beforeAudio(data)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio = append(e.audio, data)
	return nil
}

func (e *recordingEmitter) Events() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Message(nil), e.events...)
}

func (e *recordingEmitter) Audio() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.audio))
	for i, a := range e.audio {
		out[i] = string(a)
	}
	return out
}

func (e *recordingEmitter) OfType(t domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range e.Events() {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

func (e *recordingEmitter) IndexOf(t domain.MessageType) int {
	for i, m := range e.Events() {
		if m.MessageType() == t {
			return i
		}
	}
	return -1
}

type harness struct {
	t        *testing.T
	o        *Orchestrator
	registry *session.Registry
	emitter  *recordingEmitter
	stt      repositories.SpeechToText
	llm      *fakeLLM
	tts      *fakeTTS
	id       string
}

func newHarness(t *testing.T, stt repositories.SpeechToText, llm *fakeLLM, tts *fakeTTS, mutate func(*Config)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(nil, nil, "be brief", logger)
	s := registry.Create("tester")

	cfg := DefaultConfig()
	cfg.Collector.EarlyTrigger = 0
	if mutate != nil {
		mutate(&cfg)
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = 0

	emitter := &recordingEmitter{}
	o, err := New(s.ID, cfg, Dependencies{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Registry: registry,
		Retry:    retry,
		Logger:   logger,
	}, emitter)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	h := &harness{t: t, o: o, registry: registry, emitter: emitter, stt: stt, llm: llm, tts: tts, id: s.ID}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Close(ctx)
	})
	return h
}

func (h *harness) feed(frames [][]byte) {
	h.t.Helper()
	for i, f := range frames {
		if err := h.o.HandleFrame(context.Background(), f); err != nil {
			h.t.Fatalf("Frame %d failed: %v", i, err)
		}
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitForEvent(t domain.MessageType) {
	h.t.Helper()
	h.waitFor(string(t), func() bool { return h.emitter.IndexOf(t) >= 0 })
}

func (h *harness) waitIdle() {
	h.t.Helper()
	h.waitFor("task to finish", func() bool { return h.o.ActiveTask() == nil })
}

func (h *harness) session() *entities.Session {
	h.t.Helper()
	s, err := h.registry.Peek(h.id)
	if err != nil {
		h.t.Fatalf("Peek failed: %v", err)
	}
	return s
}

func lastStatus(events []domain.Message) string {
	for i := len(events) - 1; i >= 0; i-- {
		if s, ok := events[i].(*domain.StatusMessage); ok {
			return s.Status
		}
	}
	return ""
}

func TestOrchestratorCompletedTurn(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"First sentence. Sec", "ond sentence! Third."}}
	h := newHarness(t, &fakeSTT{text: "hello agent"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitForEvent(domain.MessageTypeTurnComplete)
	h.waitIdle()

	want := []string{"First sentence.", "Second sentence!", "Third."}
	got := h.emitter.Audio()
	if len(got) != len(want) {
		t.Fatalf("Expected %d audio frames, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Audio %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	partials := h.emitter.OfType(domain.MessageTypePartialAgentResponse)
	if last := partials[len(partials)-1].(*domain.PartialResponseMessage); last.AIPartial != "First sentence. Second sentence! Third." {
		t.Errorf("Unexpected final partial %q", last.AIPartial)
	}

	s := h.session()
	if len(s.Messages) != 2 {
		t.Fatalf("Expected one history pair, got %d messages", len(s.Messages))
	}
	if s.Messages[0].Role != entities.MessageRoleUser || s.Messages[0].Content != "hello agent" {
		t.Errorf("Unexpected user message %+v", s.Messages[0])
	}
	if s.Messages[1].Role != entities.MessageRoleAssistant || s.Messages[1].Content != "First sentence. Second sentence! Third." {
		t.Errorf("Unexpected assistant message %+v", s.Messages[1])
	}
	if s.Messages[0].TurnNumber != 1 || s.Messages[1].TurnNumber != 1 {
		t.Error("Expected both messages to carry turn 1")
	}
	if s.IsPlaying {
		t.Error("Expected is_playing to be reset after completion")
	}
	if s.Metrics.TotalTurns != 1 || s.Metrics.MeasuredTurns != 1 {
		t.Errorf("Unexpected metrics %+v", s.Metrics)
	}

	if h.emitter.IndexOf(domain.MessageTypePipelineMetrics) < 0 {
		t.Error("Expected pipeline metrics")
	}
	if i, j := h.emitter.IndexOf(domain.MessageTypeAgentResponseComplete), h.emitter.IndexOf(domain.MessageTypeTurnComplete); i < 0 || i > j {
		t.Error("Expected agent_response_complete before turn_complete")
	}
	if status := lastStatus(h.emitter.Events()); status != domain.StatusIdle {
		t.Errorf("Expected final status idle, got %q", status)
	}
	if h.o.State() != entities.StateListening {
		t.Errorf("Expected listening, got %s", h.o.State())
	}

	req := llm.Requests()[0]
	if req.UserText != "hello agent" || req.Instructions != "be brief" {
		t.Errorf("Unexpected generator request %+v", req)
	}
}

func TestOrchestratorHistoryFeedsNextTurn(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"Sure."}}
	h := newHarness(t, &fakeSTT{text: "again"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitForEvent(domain.MessageTypeTurnComplete)
	h.waitIdle()
	h.feed(utteranceBytes())
	h.waitFor("second turn", func() bool { return len(h.emitter.OfType(domain.MessageTypeTurnComplete)) == 2 })
	h.waitIdle()

	reqs := llm.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 generator calls, got %d", len(reqs))
	}
	if len(reqs[1].History) != 2 || reqs[1].History[1].Content != "Sure." {
		t.Errorf("Expected the first pair in the second request, got %+v", reqs[1].History)
	}
	second := h.emitter.OfType(domain.MessageTypeTurnComplete)[1].(*domain.TurnMessage)
	if second.TurnNumber != 2 {
		t.Errorf("Expected turn 2, got %d", second.TurnNumber)
	}
}

func TestOrchestratorBargeIn(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"Hello there. "}, hang: true}
	h := newHarness(t, &fakeSTT{text: "tell me a story"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("speaking", func() bool { return h.o.State() == entities.StateSpeaking })
	first := h.o.ActiveTask()
	if !h.registry.IsPlaying(h.id) {
		t.Fatal("Expected is_playing while speaking")
	}

	// 2 s after onset, 0.6 s of sustained user speech
	h.feed(silenceBytes(100))
	h.feed(toneBytes(30))

	if len(h.emitter.OfType(domain.MessageTypeInterrupt)) != 1 {
		t.Fatalf("Expected exactly one interrupt, got %d", len(h.emitter.OfType(domain.MessageTypeInterrupt)))
	}
	stops := h.emitter.OfType(domain.MessageTypeStopAudio)
	if len(stops) != 1 || stops[0].(*domain.StopAudioMessage).Reason != domain.ReasonBargeIn {
		t.Fatalf("Expected one stop_audio for barge-in, got %v", stops)
	}
	if h.emitter.IndexOf(domain.MessageTypeInterrupt) > h.emitter.IndexOf(domain.MessageTypeStopAudio) {
		t.Error("Expected interrupt before stop_audio")
	}
	if first.State() != entities.TurnCancelled {
		t.Errorf("Expected the first task to be cancelled, got %s", first.State())
	}

	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonBargeIn {
		t.Errorf("Expected turn_cancelled with barge_in, got %v", cancelled)
	}

	s := h.session()
	if s.IsPlaying {
		t.Error("Expected is_playing false after barge-in")
	}
	if s.Metrics.Interruptions != 1 || s.Metrics.CancelledTurns != 1 {
		t.Errorf("Unexpected metrics %+v", s.Metrics)
	}
	if len(s.Messages) != 2 || s.Messages[1].Content != "Hello there. [interrupted]" || !s.Messages[1].Metadata.Interrupted {
		t.Errorf("Expected marked partial history, got %+v", s.Messages)
	}

	// the interrupting speech becomes the next turn
	h.feed(silenceBytes(45))
	h.waitFor("second turn", func() bool { return len(llm.Requests()) == 2 })
	if llm.MaxActive() != 1 {
		t.Errorf("Expected at most one live turn, saw %d", llm.MaxActive())
	}
}

func TestOrchestratorBargeInDuringLastSynthesis(t *testing.T) {
	// the reply stream has ended; "Two." is still being sent and "Three."
	// never finishes synthesis
	llm := &fakeLLM{deltas: []string{"One. Two. Three."}}
	tts := &fakeTTS{delays: map[string]time.Duration{"Three.": time.Minute}}
	h := newHarness(t, &fakeSTT{text: "story"}, llm, tts, nil)

	sending := make(chan struct{})
	var once sync.Once
	h.emitter.beforeAudio = func(data []byte) {
		if string(data) == "Two." {
			once.Do(func() { close(sending) })
			time.Sleep(300 * time.Millisecond)
		}
	}

	h.feed(utteranceBytes())
	select {
	case <-sending:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the second sentence")
	}
	task := h.o.ActiveTask()
	if task == nil {
		t.Fatal("Expected an active task")
	}

	h.feed(silenceBytes(100))
	h.feed(toneBytes(30))
	h.waitFor("task to finish", func() bool { return task.State().Done() })

	if task.State() != entities.TurnCancelled {
		t.Fatalf("Expected cancelled task, got %s", task.State())
	}
	if len(h.emitter.OfType(domain.MessageTypeTurnComplete)) != 0 {
		t.Error("Expected no turn_complete for a cancelled turn")
	}
	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonBargeIn {
		t.Errorf("Expected turn_cancelled with barge_in, got %v", cancelled)
	}

	s := h.session()
	if len(s.Messages) != 2 {
		t.Fatalf("Expected one history pair, got %+v", s.Messages)
	}
	if got := s.Messages[1]; got.Content != "One. Two. [interrupted]" || !got.Metadata.Interrupted {
		t.Errorf("Expected only delivered text marked interrupted, got %+v", got)
	}
	if s.Metrics.CancelledTurns != 1 {
		t.Errorf("Expected one cancelled turn, got %+v", s.Metrics)
	}
}

func TestOrchestratorDiscardsEchoDuringPlayback(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"Listen carefully. "}, hang: true}
	stt := &fakeSTT{text: "question"}
	h := newHarness(t, stt, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("speaking", func() bool { return h.o.State() == entities.StateSpeaking })

	// speech inside the ignore window closes while the agent talks
	h.feed(utteranceBytes())

	if stt.Calls() != 1 {
		t.Errorf("Expected the echo utterance to be discarded, got %d transcriptions", stt.Calls())
	}
	if h.emitter.IndexOf(domain.MessageTypeInterrupt) >= 0 {
		t.Error("Expected no barge-in inside the ignore window")
	}
	if h.o.State() != entities.StateSpeaking {
		t.Errorf("Expected the agent to keep speaking, got %s", h.o.State())
	}
}

func TestOrchestratorSupersedesProcessingTurn(t *testing.T) {
	llm := &fakeLLM{hang: true}
	h := newHarness(t, &fakeSTT{text: "wait"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("first request", func() bool { return len(llm.Requests()) == 1 })
	first := h.o.ActiveTask()

	h.feed(utteranceBytes())
	h.waitFor("second request", func() bool { return len(llm.Requests()) == 2 })

	if first.State() != entities.TurnCancelled {
		t.Errorf("Expected the first task to be cancelled, got %s", first.State())
	}
	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonSuperseded {
		t.Errorf("Expected one superseded cancellation, got %v", cancelled)
	}
	if llm.MaxActive() != 1 {
		t.Errorf("Expected at most one live turn, saw %d", llm.MaxActive())
	}
	if n := len(h.session().Messages); n != 0 {
		t.Errorf("Expected no history for a turn cancelled before speaking, got %d messages", n)
	}
}

func TestOrchestratorClientInterrupt(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"A long answer. "}, hang: true}
	h := newHarness(t, &fakeSTT{text: "go on"}, llm, &fakeTTS{}, func(cfg *Config) {
		cfg.PartialSaveMode = PartialSaveNone
	})

	h.feed(utteranceBytes())
	h.waitFor("speaking", func() bool { return h.o.State() == entities.StateSpeaking })

	if err := h.o.HandleControl(context.Background(), &domain.InterruptMessage{}); err != nil {
		t.Fatalf("HandleControl failed: %v", err)
	}

	if h.emitter.IndexOf(domain.MessageTypeInterruptAck) < 0 {
		t.Error("Expected interrupt_ack")
	}
	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonClientInterrupt {
		t.Errorf("Expected client_interrupt cancellation, got %v", cancelled)
	}
	s := h.session()
	if s.IsPlaying || s.Metrics.Interruptions != 0 {
		t.Errorf("Unexpected session state %+v", s.Metrics)
	}
	if len(s.Messages) != 0 {
		t.Errorf("Expected cancelled turn to be discarded, got %+v", s.Messages)
	}
	if h.o.State() != entities.StateListening {
		t.Errorf("Expected listening, got %s", h.o.State())
	}
}

func TestOrchestratorFailedTurn(t *testing.T) {
	llm := &fakeLLM{openErr: errors.New("model exploded")}
	h := newHarness(t, &fakeSTT{text: "hello"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitForEvent(domain.MessageTypeError)
	h.waitIdle()

	errs := h.emitter.OfType(domain.MessageTypeError)
	if msg := errs[0].(*domain.TurnMessage); msg.TurnNumber != 1 || msg.Message == "" {
		t.Errorf("Unexpected error event %+v", msg)
	}
	s := h.session()
	if len(s.Messages) != 0 {
		t.Errorf("Expected no history for a failed turn, got %+v", s.Messages)
	}
	if s.Metrics.FailedTurns != 1 || s.IsPlaying {
		t.Errorf("Unexpected session state %+v playing=%v", s.Metrics, s.IsPlaying)
	}
	if status := lastStatus(h.emitter.Events()); status != domain.StatusIdle {
		t.Errorf("Expected final status idle, got %q", status)
	}
}

func TestOrchestratorSkipsFailedSentence(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"One. Two. Three."}}
	h := newHarness(t, &fakeSTT{text: "count"}, llm, &fakeTTS{fail: "Two"}, nil)

	h.feed(utteranceBytes())
	h.waitForEvent(domain.MessageTypeTurnComplete)
	h.waitIdle()

	got := h.emitter.Audio()
	if len(got) != 2 || got[0] != "One." || got[1] != "Three." {
		t.Errorf("Expected the failed sentence to be skipped, got %v", got)
	}
}

func TestOrchestratorEmptyTranscript(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"Hi."}}
	h := newHarness(t, &fakeSTT{text: "   "}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("idle status", func() bool { return lastStatus(h.emitter.Events()) == domain.StatusIdle })
	h.waitIdle()

	if len(llm.Requests()) != 0 {
		t.Error("Expected no generator call for an empty transcript")
	}
	if h.emitter.IndexOf(domain.MessageTypeUserTranscription) >= 0 {
		t.Error("Expected no transcription event")
	}
	if s := h.session(); s.Metrics.TotalTurns != 0 || len(s.Messages) != 0 {
		t.Errorf("Expected no turn to be recorded, got %+v", s.Metrics)
	}
}

func TestOrchestratorInterimTranscription(t *testing.T) {
	stt := &streamingSTT{fakeSTT: fakeSTT{text: "what time is it"}, interim: "what time"}
	h := newHarness(t, stt, &fakeLLM{deltas: []string{"Noon."}}, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitForEvent(domain.MessageTypeTurnComplete)

	transcripts := h.emitter.OfType(domain.MessageTypeUserTranscription)
	if len(transcripts) != 2 {
		t.Fatalf("Expected interim and final transcriptions, got %d", len(transcripts))
	}
	interim := transcripts[0].(*domain.TranscriptionMessage)
	final := transcripts[1].(*domain.TranscriptionMessage)
	if interim.IsFinal || interim.Transcription != "what time" {
		t.Errorf("Unexpected interim %+v", interim)
	}
	if !final.IsFinal || final.Transcription != "what time is it" {
		t.Errorf("Unexpected final %+v", final)
	}
}

func TestOrchestratorAudioEndFlushes(t *testing.T) {
	h := newHarness(t, &fakeSTT{text: "short"}, &fakeLLM{deltas: []string{"Ok."}}, &fakeTTS{}, nil)

	// speech with no closing silence
	h.feed(toneBytes(30))
	if err := h.o.HandleControl(context.Background(), &domain.AudioEndMessage{}); err != nil {
		t.Fatalf("HandleControl failed: %v", err)
	}
	h.waitForEvent(domain.MessageTypeTurnComplete)
}

func TestOrchestratorRejectsBadInput(t *testing.T) {
	h := newHarness(t, &fakeSTT{}, &fakeLLM{}, &fakeTTS{}, nil)

	if err := h.o.HandleFrame(context.Background(), []byte{1, 2, 3}); !domain.IsProtocol(err) {
		t.Errorf("Expected protocol error for odd-length frame, got %v", err)
	}
	if err := h.o.HandleControl(context.Background(), &domain.ControlMessage{Action: "rewind"}); !domain.IsProtocol(err) {
		t.Errorf("Expected protocol error for unknown action, got %v", err)
	}
	if err := h.o.HandleControl(context.Background(), domain.NewEvent(domain.MessageTypePing)); !domain.IsProtocol(err) {
		t.Errorf("Expected protocol error for unsupported message, got %v", err)
	}
}

func TestOrchestratorStopPausesFrames(t *testing.T) {
	stt := &fakeSTT{text: "ignored"}
	h := newHarness(t, stt, &fakeLLM{}, &fakeTTS{}, nil)

	ctx := context.Background()
	if err := h.o.HandleControl(ctx, &domain.ControlMessage{Action: domain.ControlActionStop}); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	h.feed(utteranceBytes())
	if h.emitter.IndexOf(domain.MessageTypeVAD) >= 0 || stt.Calls() != 0 {
		t.Error("Expected frames to be ignored while stopped")
	}

	if err := h.o.HandleControl(ctx, &domain.ControlMessage{Action: domain.ControlActionStart}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.feed(utteranceBytes())
	h.waitFor("transcription", func() bool { return stt.Calls() == 1 })
}

func TestOrchestratorCloseCancelsTurn(t *testing.T) {
	llm := &fakeLLM{hang: true}
	h := newHarness(t, &fakeSTT{text: "bye"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("request", func() bool { return len(llm.Requests()) == 1 })
	task := h.o.ActiveTask()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.o.Close(ctx)

	if task.State() != entities.TurnCancelled {
		t.Errorf("Expected cancelled task, got %s", task.State())
	}
	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonDisconnect {
		t.Errorf("Expected disconnect cancellation, got %v", cancelled)
	}
	if h.registry.HasActiveTask(h.id) {
		t.Error("Expected the task to detach from the session")
	}
}

func TestOrchestratorContextUpdateCancelsViaRegistry(t *testing.T) {
	llm := &fakeLLM{hang: true}
	h := newHarness(t, &fakeSTT{text: "hmm"}, llm, &fakeTTS{}, nil)

	h.feed(utteranceBytes())
	h.waitFor("request", func() bool { return len(llm.Requests()) == 1 })

	if !h.registry.CancelActive(h.id) {
		t.Fatal("Expected an attached task")
	}
	h.waitIdle()

	cancelled := h.emitter.OfType(domain.MessageTypeTurnCancelled)
	if len(cancelled) != 1 || cancelled[0].(*domain.TurnMessage).Reason != domain.ReasonContextUpdate {
		t.Errorf("Expected context_update cancellation, got %v", cancelled)
	}
	if h.o.State() != entities.StateListening {
		t.Errorf("Expected listening, got %s", h.o.State())
	}
}
