package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/satriahrh/duplex/domain/repositories"
)

// SentenceSplitter accumulates streamed text deltas and cuts them into
// sentences. A sentence ends at '.', '!' or '?' followed by whitespace, or
// at a newline. Punctuation at the end of the buffer is held until the next
// delta or Flush, since the following character decides the boundary.
type SentenceSplitter struct {
	buf strings.Builder
}

// Push adds a delta and returns the sentences it completed, trimmed and
// non-empty.
func (s *SentenceSplitter) Push(delta string) []string {
	s.buf.WriteString(delta)
	text := s.buf.String()

	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		boundary := false
		switch text[i] {
		case '\n':
			boundary = true
		case '.', '!', '?':
			if i+1 < len(text) {
				r, _ := utf8.DecodeRuneInString(text[i+1:])
				boundary = unicode.IsSpace(r)
			}
		}
		if boundary {
			if sentence := strings.TrimSpace(text[start : i+1]); sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}

	s.buf.Reset()
	s.buf.WriteString(text[start:])
	return out
}

// Flush returns the trimmed remainder and empties the buffer
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// SentenceStream turns a reply stream of raw deltas into a stream of
// sentences. Next returns io.EOF after the last sentence.
type SentenceStream struct {
	reply    repositories.ReplyStream
	splitter SentenceSplitter
	pending  []string
	done     bool
}

// NewSentenceStream wraps reply
func NewSentenceStream(reply repositories.ReplyStream) *SentenceStream {
	return &SentenceStream{reply: reply}
}

// Next returns the next complete sentence
func (s *SentenceStream) Next(ctx context.Context) (string, error) {
	for {
		if len(s.pending) > 0 {
			sentence := s.pending[0]
			s.pending = s.pending[1:]
			return sentence, nil
		}
		if s.done {
			return "", io.EOF
		}

		delta, err := s.reply.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.done = true
			if rest := s.splitter.Flush(); rest != "" {
				s.pending = append(s.pending, rest)
			}
			continue
		}
		if err != nil {
			return "", err
		}
		s.pending = append(s.pending, s.splitter.Push(delta)...)
	}
}

// Close aborts the underlying reply
func (s *SentenceStream) Close() error {
	return s.reply.Close()
}
