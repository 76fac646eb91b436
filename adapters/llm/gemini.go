package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/repositories"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultTemperature = 0.7
	defaultTopP        = 0.95
	defaultTopK        = 40
	defaultMaxTokens   = 256
)

// GeminiConfig holds configuration for the Gemini adapter
// Required fields:
// - APIKey: Google AI API key
// Optional fields fall back to voice-friendly defaults.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
}

// NewGeminiConfigFromEnv reads GEMINI_* variables
func NewGeminiConfigFromEnv() GeminiConfig {
	cfg := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
	if v, err := strconv.ParseFloat(os.Getenv("GEMINI_TEMPERATURE"), 32); err == nil {
		cfg.Temperature = float32(v)
	}
	if v, err := strconv.Atoi(os.Getenv("GEMINI_MAX_OUTPUT_TOKENS")); err == nil {
		cfg.MaxOutputTokens = v
	}
	return cfg
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	// Validate topP is in the valid range
	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 || config.MaxOutputTokens < 0 {
		return fmt.Errorf("topK and maxOutputTokens must not be negative")
	}
	return nil
}

// GeminiLLM streams replies from Google's Gemini API
type GeminiLLM struct {
	client *genai.Client
	logger *zap.Logger
	model  string
	config *genai.GenerateContentConfig
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", model))
	}
	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	topP := config.TopP
	if topP == 0 {
		topP = defaultTopP
	}
	topK := config.TopK
	if topK == 0 {
		topK = defaultTopK
	}
	maxTokens := config.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &GeminiLLM{
		client: client,
		logger: logger,
		model:  model,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(temperature),
			TopP:            genai.Ptr(topP),
			TopK:            genai.Ptr(topK),
			MaxOutputTokens: int32(maxTokens),
		},
	}, nil
}

// StreamReply starts a streaming generation for req
func (g *GeminiLLM) StreamReply(ctx context.Context, req repositories.ChatRequest) (repositories.ReplyStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	config := *g.config
	if req.Instructions != "" {
		config.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}
	contents := toGeminiContents(req)

	g.logger.Debug("Starting Gemini stream",
		zap.String("sessionID", req.SessionID),
		zap.Int("history", len(req.History)))

	return newChanStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, &config) {
			if err != nil {
				return classifyGeminiError(err)
			}
			if !emit(responseText(resp)) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// toGeminiContents converts the history and the new user text to Gemini
// contents. System messages are sent as user messages.
func toGeminiContents(req repositories.ChatRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return append(contents, genai.NewContentFromText(req.UserText, genai.RoleUser))
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests {
			return domain.Transient("gemini generate", err)
		}
		return fmt.Errorf("gemini generate: %w", err)
	}
	// network failures and timeouts
	return domain.Transient("gemini generate", err)
}
