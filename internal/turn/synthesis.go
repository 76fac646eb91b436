package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/repositories"
	"github.com/satriahrh/duplex/internal/resilience"
)

// SentenceAudio is the synthesis result of one sentence. Err is set when
// synthesis failed and the sentence should be skipped.
type SentenceAudio struct {
	Seq     int
	Text    string
	Audio   []byte
	Latency time.Duration
	Err     error
}

// SynthesisPipeline synthesizes sentences concurrently and delivers them in
// generation order.
type SynthesisPipeline struct {
	tts         repositories.TextToSpeech
	breaker     *resilience.Breaker
	timeout     time.Duration
	concurrency int
}

// NewSynthesisPipeline creates a pipeline. breaker may be nil.
func NewSynthesisPipeline(tts repositories.TextToSpeech, breaker *resilience.Breaker, timeout time.Duration, concurrency int) *SynthesisPipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SynthesisPipeline{
		tts:         tts,
		breaker:     breaker,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// Run pulls sentences from next until io.EOF and calls deliver for each in
// order. Up to concurrency sentences are synthesized ahead of delivery.
// A failed synthesis is delivered with Err set and does not stop the run.
// Run returns the first error from next or deliver, or ctx's error. A run
// whose ctx is done by the time it returns never reports success.
func (p *SynthesisPipeline) Run(ctx context.Context, next func(context.Context) (string, error), deliver func(SentenceAudio) error) error {
	g, gctx := errgroup.WithContext(ctx)

	// Each queued channel holds the result of one sentence, in order.
	queue := make(chan chan SentenceAudio, p.concurrency)
	sem := make(chan struct{}, p.concurrency)

	g.Go(func() error {
		defer close(queue)
		for seq := 0; ; seq++ {
			text, err := next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}

			result := make(chan SentenceAudio, 1)
			select {
			case queue <- result:
			case <-gctx.Done():
				<-sem
				return gctx.Err()
			}

			g.Go(func() error {
				defer func() { <-sem }()
				result <- p.synthesize(gctx, seq, text)
				return nil
			})
		}
	})

	g.Go(func() error {
		for result := range queue {
			select {
			case r := <-result:
				if err := deliver(r); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *SynthesisPipeline) synthesize(ctx context.Context, seq int, text string) SentenceAudio {
	out := SentenceAudio{Seq: seq, Text: text}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	call := func() ([]byte, error) {
		return p.tts.Synthesize(ctx, text)
	}

	var audio []byte
	var err error
	if p.breaker != nil {
		audio, err = resilience.Execute(p.breaker, call)
	} else {
		audio, err = call()
	}
	out.Latency = time.Since(start)

	switch {
	case err != nil && domain.IsCancellation(err):
		out.Err = err
	case err != nil:
		out.Err = domain.Transient("synthesize", err)
	case len(audio) == 0:
		out.Err = domain.Transient("synthesize", fmt.Errorf("empty audio for sentence %d", seq))
	default:
		out.Audio = audio
	}
	return out
}
