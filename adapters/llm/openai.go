package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain"
	"github.com/satriahrh/duplex/domain/repositories"
)

const (
	groqBaseURL        = "https://api.groq.com/openai/v1"
	defaultGroqModel   = "llama-3.1-8b-instant"
	defaultOpenAIModel = openai.GPT4oMini
)

// OpenAIConfig configures any OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// NewGroqConfigFromEnv reads GROQ_* variables
func NewGroqConfigFromEnv() OpenAIConfig {
	cfg := OpenAIConfig{
		APIKey:  os.Getenv("GROQ_API_KEY"),
		BaseURL: groqBaseURL,
		Model:   os.Getenv("GROQ_MODEL"),
	}
	if cfg.Model == "" {
		cfg.Model = defaultGroqModel
	}
	applyCommonEnv(&cfg, "GROQ")
	return cfg
}

// NewOpenAIConfigFromEnv reads OPENAI_* variables
func NewOpenAIConfigFromEnv() OpenAIConfig {
	cfg := OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	applyCommonEnv(&cfg, "OPENAI")
	return cfg
}

func applyCommonEnv(cfg *OpenAIConfig, prefix string) {
	if v, err := strconv.Atoi(os.Getenv(prefix + "_MAX_TOKENS")); err == nil {
		cfg.MaxTokens = v
	}
	if v, err := strconv.ParseFloat(os.Getenv(prefix+"_TEMPERATURE"), 32); err == nil {
		cfg.Temperature = float32(v)
	}
}

// ValidateOpenAIConfig validates the OpenAIConfig
func ValidateOpenAIConfig(config OpenAIConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if config.Model == "" {
		return fmt.Errorf("model is required")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", config.MaxTokens)
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}
	return nil
}

// OpenAILLM streams chat completions from an OpenAI-compatible API
type OpenAILLM struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *zap.Logger
}

var _ repositories.LargeLanguageModel = (*OpenAILLM)(nil)

// NewOpenAILLM creates a client for config
func NewOpenAILLM(config OpenAIConfig, logger *zap.Logger) (*OpenAILLM, error) {
	if err := ValidateOpenAIConfig(config); err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	logger.Info("OpenAI-compatible generator configured",
		zap.String("baseURL", clientConfig.BaseURL),
		zap.String("model", config.Model))

	return &OpenAILLM{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       config.Model,
		maxTokens:   maxTokens,
		temperature: config.Temperature,
		logger:      logger,
	}, nil
}

// StreamReply opens a streaming chat completion for req
func (o *OpenAILLM) StreamReply(ctx context.Context, req repositories.ChatRequest) (repositories.ReplyStream, error) {
	// The stream's lifetime is bounded by ctx, not by this call.
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	return newChanStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer stream.Close()
		stop := context.AfterFunc(ctx, func() { stream.Close() })
		defer stop()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return classifyOpenAIError(err)
			}
			if len(response.Choices) == 0 {
				continue
			}
			if !emit(response.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
	}), nil
}

func toOpenAIMessages(req repositories.ChatRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, msg := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})
}

func convertRole(role repositories.Role) string {
	switch role {
	case repositories.AssistantRole:
		return openai.ChatMessageRoleAssistant
	case repositories.SystemRole:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// connection failures and timeouts
		return domain.Transient("chat completion", err)
	}

	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return domain.Transient("chat completion", err)
	}
	return fmt.Errorf("chat completion failed with status %d: %w", status, err)
}
