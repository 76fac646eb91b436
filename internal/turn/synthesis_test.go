package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/internal/resilience"
)

// fakeTTS returns the text as audio. Sentences containing fail error out,
// and delays slow individual sentences down.
type fakeTTS struct {
	fail   string
	delays map[string]time.Duration

	mu        sync.Mutex
	calls     int
	inFlight  int
	maxFlight int
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if d := f.delays[text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != "" && strings.Contains(text, f.fail) {
		return nil, errors.New("synthesis unavailable")
	}
	return []byte(text), nil
}

func (f *fakeTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	audio, err := f.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	ch <- audio
	close(ch)
	return ch, nil
}

func sentenceSource(sentences ...string) func(context.Context) (string, error) {
	i := 0
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i == len(sentences) {
			return "", io.EOF
		}
		i++
		return sentences[i-1], nil
	}
}

func TestSynthesisPipelineDeliversInOrder(t *testing.T) {
	tts := &fakeTTS{delays: map[string]time.Duration{
		"one": 60 * time.Millisecond,
		"two": 5 * time.Millisecond,
	}}
	p := NewSynthesisPipeline(tts, nil, time.Second, 3)

	var got []string
	err := p.Run(context.Background(), sentenceSource("one", "two", "three", "four"), func(r SentenceAudio) error {
		if r.Err != nil {
			t.Errorf("Unexpected synthesis error: %v", r.Err)
		}
		got = append(got, string(r.Audio))
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := "one two three four"
	if strings.Join(got, " ") != want {
		t.Errorf("Expected %q, got %q", want, strings.Join(got, " "))
	}
	if tts.maxFlight < 2 {
		t.Errorf("Expected sentences to be synthesized concurrently, max in flight %d", tts.maxFlight)
	}
	if tts.maxFlight > 3 {
		t.Errorf("Expected at most 3 in flight, got %d", tts.maxFlight)
	}
}

func TestSynthesisPipelineSkipsFailedSentence(t *testing.T) {
	tts := &fakeTTS{fail: "two"}
	p := NewSynthesisPipeline(tts, nil, time.Second, 2)

	var delivered []string
	var failed []int
	err := p.Run(context.Background(), sentenceSource("one", "two", "three"), func(r SentenceAudio) error {
		if r.Err != nil {
			if !domain.IsTransient(r.Err) {
				t.Errorf("Expected a transient error, got %v", r.Err)
			}
			failed = append(failed, r.Seq)
			return nil
		}
		delivered = append(delivered, string(r.Audio))
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if strings.Join(delivered, ",") != "one,three" {
		t.Errorf("Expected one and three delivered, got %v", delivered)
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Errorf("Expected sentence 1 to fail, got %v", failed)
	}
}

func TestSynthesisPipelineStopsOnCancel(t *testing.T) {
	tts := &fakeTTS{delays: map[string]time.Duration{"two": time.Minute}}
	p := NewSynthesisPipeline(tts, nil, time.Minute, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var delivered []string
	go func() {
		done <- p.Run(ctx, sentenceSource("one", "two", "three"), func(r SentenceAudio) error {
			if r.Err == nil {
				delivered = append(delivered, string(r.Audio))
				if len(delivered) == 1 {
					cancel()
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !domain.IsCancellation(err) {
			t.Errorf("Expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipeline did not stop after cancel")
	}
	if len(delivered) != 1 {
		t.Errorf("Expected only the first sentence, got %v", delivered)
	}
}

func TestSynthesisPipelineDeliverErrorStopsRun(t *testing.T) {
	p := NewSynthesisPipeline(&fakeTTS{}, nil, time.Second, 2)
	sendErr := errors.New("connection closed")

	err := p.Run(context.Background(), sentenceSource("one", "two", "three"), func(SentenceAudio) error {
		return sendErr
	})
	if !errors.Is(err, sendErr) {
		t.Errorf("Expected deliver error, got %v", err)
	}
}

func TestSynthesisPipelineBreakerOpens(t *testing.T) {
	cfg := resilience.DefaultBreakerConfig("tts")
	cfg.Threshold = 2
	cfg.ResetTimeout = time.Minute
	breaker := resilience.NewBreaker(cfg, zaptest.NewLogger(t))

	tts := &fakeTTS{fail: "bad"}
	p := NewSynthesisPipeline(tts, breaker, time.Second, 1)

	var errs []error
	err := p.Run(context.Background(), sentenceSource("bad one", "bad two", "fine"), func(r SentenceAudio) error {
		errs = append(errs, r.Err)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(errs) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(errs))
	}
	if !errors.Is(errs[2], resilience.ErrOpen) {
		t.Errorf("Expected open breaker to reject the third sentence, got %v", errs[2])
	}
	if tts.calls != 2 {
		t.Errorf("Expected 2 provider calls, got %d", tts.calls)
	}
}

func TestSynthesisPipelineCancelDuringLastSynthesis(t *testing.T) {
	for i := 0; i < 50; i++ {
		tts := &fakeTTS{delays: map[string]time.Duration{"two": time.Minute}}
		p := NewSynthesisPipeline(tts, nil, time.Minute, 2)

		ctx, cancel := context.WithCancel(context.Background())
		err := p.Run(ctx, sentenceSource("one", "two"), func(r SentenceAudio) error {
			if string(r.Audio) == "one" {
				// cancelled while the first sentence is still being sent
				cancel()
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		})
		cancel()
		if !domain.IsCancellation(err) {
			t.Fatalf("Run %d: expected cancellation, got %v", i, err)
		}
	}
}
