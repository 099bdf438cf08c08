package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicConfig configures the Anthropic Messages API analyzer.
type AnthropicConfig struct {
	Name      string
	APIKey    string
	Model     string
	BaseURL   string // defaults to the public Messages endpoint
	Timeout   time.Duration
	MaxTokens int
}

// AnthropicAnalyzer sends the image as a base64 image block to the Messages API.
type AnthropicAnalyzer struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropicAnalyzer builds an analyzer for the Anthropic Messages API.
func NewAnthropicAnalyzer(cfg AnthropicConfig) (*AnthropicAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not set", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model not set", cfg.Name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	slog.Info("Initializing Anthropic analyzer", "provider", cfg.Name, "model", cfg.Model)
	return &AnthropicAnalyzer{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Analyze implements Analyzer.
func (a *AnthropicAnalyzer) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", Permanent(a.name, errors.New("empty image payload"))
	}

	payload := anthropicRequest{
		Model:     a.model,
		System:    DefaultSystemPrompt,
		MaxTokens: a.maxTokens,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicContent{
				{Type: "image", Source: &anthropicSource{
					Type:      "base64",
					MediaType: http.DetectContentType(image),
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: prompt},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Permanent(a.name, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(a.name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	slog.Debug("Analyzing image via Anthropic", "provider", a.name, "model", a.model, "bytes", len(image))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", Classify(a.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient(a.name, fmt.Errorf("read response: %w", err))
	}

	var parsed anthropicResponse
	jsonErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if jsonErr == nil && parsed.Error != nil {
			msg = parsed.Error.Type + ": " + parsed.Error.Message
		}
		return "", ClassifyStatus(a.name, resp.StatusCode, errors.New(msg))
	}
	if jsonErr != nil {
		return "", Transient(a.name, fmt.Errorf("decode response: %w", jsonErr))
	}

	var sb strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", Transient(a.name, errors.New("response contained no text content"))
	}
	return sb.String(), nil
}
