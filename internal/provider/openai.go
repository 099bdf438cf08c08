package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DefaultSystemPrompt frames every provider call as a structured visual assessment.
const DefaultSystemPrompt = "You are a veterinary visual assessment assistant. " +
	"Answer with a single JSON object and no surrounding prose."

// chatCompleter is the subset of the go-openai client used here.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures an OpenAI-compatible vision analyzer.
type OpenAIConfig struct {
	Name      string        // registry name, used in error classification
	APIKey    string
	Model     string        // e.g. gpt-4o
	BaseURL   string        // optional, for OpenAI-compatible gateways
	Timeout   time.Duration // transport timeout for one call
	MaxTokens int
}

// OpenAIAnalyzer sends the image as a data-URI image part of a chat completion.
type OpenAIAnalyzer struct {
	name      string
	model     string
	maxTokens int
	chat      chatCompleter
}

// NewOpenAIAnalyzer builds an analyzer backed by the go-openai client.
func NewOpenAIAnalyzer(cfg OpenAIConfig) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not set", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
		slog.Warn("OpenAI model not set, defaulting", "provider", cfg.Name, "model", cfg.Model)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	slog.Info("Initializing OpenAI analyzer", "provider", cfg.Name, "model", cfg.Model)
	return newOpenAIAnalyzer(cfg, openai.NewClientWithConfig(clientCfg)), nil
}

func newOpenAIAnalyzer(cfg OpenAIConfig, chat chatCompleter) *OpenAIAnalyzer {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	return &OpenAIAnalyzer{name: cfg.Name, model: cfg.Model, maxTokens: maxTokens, chat: chat}
}

// Analyze implements Analyzer.
func (o *OpenAIAnalyzer) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", Permanent(o.name, errors.New("empty image payload"))
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))
	req := openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: DefaultSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURI,
						Detail: openai.ImageURLDetailAuto,
					}},
				},
			},
		},
	}

	slog.Debug("Analyzing image via OpenAI", "provider", o.name, "model", o.model, "bytes", len(image))
	resp, err := o.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", Transient(o.name, errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIAnalyzer) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ClassifyStatus(o.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ClassifyStatus(o.name, reqErr.HTTPStatusCode, err)
	}
	return Classify(o.name, err)
}
