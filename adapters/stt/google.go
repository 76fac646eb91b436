package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/repositories"
)

// Google recommends streaming requests of at most 25KB of audio.
const streamChunkSize = 16 * 1024

// GoogleSpeechToText implements SpeechToText for Google Cloud. One client
// is shared by every session.
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

var _ repositories.StreamingSpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a client using application default
// credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// Close releases the underlying gRPC connection
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

// TranscribeStream sends one complete utterance over a streaming recognize
// call and relays interim and final results as they arrive.
func (g *GoogleSpeechToText) TranscribeStream(ctx context.Context, audioData []byte, config repositories.AudioConfig) (<-chan repositories.TranscriptResult, error) {
	if len(audioData) == 0 {
		return nil, fmt.Errorf("no audio data received")
	}

	// Convert encoding string to Google Speech API enum
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, classifyGRPCError("streaming recognize", err)
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, classifyGRPCError("send streaming config", err)
	}

	// Send the audio data in chunks
	for start := 0; start < len(audioData); start += streamChunkSize {
		end := min(start+streamChunkSize, len(audioData))
		if err := stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: audioData[start:end],
			},
		}); err != nil {
			stream.CloseSend()
			return nil, classifyGRPCError("send audio", err)
		}
	}

	// Close the send stream to signal end of audio
	if err := stream.CloseSend(); err != nil {
		return nil, classifyGRPCError("close send stream", err)
	}

	results := make(chan repositories.TranscriptResult, 8)
	go g.receiveResults(ctx, stream, config.Language, results)
	return results, nil
}

func (g *GoogleSpeechToText) receiveResults(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, language string, out chan<- repositories.TranscriptResult) {
	defer close(out)

	send := func(r repositories.TranscriptResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			send(repositories.TranscriptResult{Err: classifyGRPCError("receive response", err)})
			return
		}

		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			// Take the best alternative
			best := result.GetAlternatives()[0]
			lang := result.GetLanguageCode()
			if lang == "" {
				lang = language
			}
			if !send(repositories.TranscriptResult{
				Transcript: repositories.Transcript{
					Text:       best.GetTranscript(),
					Language:   lang,
					Confidence: float64(best.GetConfidence()),
				},
				IsFinal: result.GetIsFinal(),
			}) {
				return
			}
		}
	}
}

// TranscribeAudio converts audio data to text, keeping only final results
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (repositories.Transcript, error) {
	results, err := g.TranscribeStream(ctx, audioData, config)
	if err != nil {
		return repositories.Transcript{}, err
	}
	transcript, err := collectFinal(results, config.Language)
	if err != nil {
		return repositories.Transcript{}, err
	}

	g.logger.Debug("Transcription complete",
		zap.Int("audioSize", len(audioData)),
		zap.Int("chars", len(transcript.Text)))
	return transcript, nil
}

// collectFinal joins the final results of a transcription stream
func collectFinal(results <-chan repositories.TranscriptResult, language string) (repositories.Transcript, error) {
	var (
		parts      []string
		confidence float64
		lang       = language
	)
	for r := range results {
		if r.Err != nil {
			return repositories.Transcript{}, r.Err
		}
		if !r.IsFinal {
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
			confidence += r.Confidence
		}
		if r.Language != "" {
			lang = r.Language
		}
	}

	t := repositories.Transcript{Text: strings.Join(parts, " "), Language: lang}
	if len(parts) > 0 {
		t.Confidence = confidence / float64(len(parts))
	}
	return t, nil
}

// classifyGRPCError marks retryable gRPC failures as transient
func classifyGRPCError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return domain.Transient(op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
