package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func okAnalyzer(payload string) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, image []byte, prompt string) (string, error) {
		return payload, nil
	})
}

func TestNewRegistry_OrdersByRank(t *testing.T) {
	reg, err := NewRegistry(
		Entry{Descriptor: Descriptor{Name: "b", Rank: 2, Enabled: true, SupportsVision: true}, Analyzer: okAnalyzer("b")},
		Entry{Descriptor: Descriptor{Name: "a", Rank: 1, Enabled: true, SupportsVision: true}, Analyzer: okAnalyzer("a")},
		Entry{Descriptor: Descriptor{Name: "c", Rank: 3, Enabled: false, SupportsVision: true}, Analyzer: okAnalyzer("c")},
		Entry{Descriptor: Descriptor{Name: "d", Rank: 4, Enabled: true, SupportsVision: false}, Analyzer: okAnalyzer("d")},
	)
	require.NoError(t, err)

	names := []string{}
	for _, d := range reg.Providers() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	eligible := reg.Eligible()
	require.Len(t, eligible, 2)
	assert.Equal(t, "a", eligible[0].Name)
	assert.Equal(t, "b", eligible[1].Name)
	assert.Equal(t, 4, reg.Len())
}

func TestNewRegistry_Errors(t *testing.T) {
	_, err := NewRegistry()
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = NewRegistry(
		Entry{Descriptor: Descriptor{Name: "a"}, Analyzer: okAnalyzer("")},
		Entry{Descriptor: Descriptor{Name: "a"}, Analyzer: okAnalyzer("")},
	)
	assert.ErrorIs(t, err, ErrDuplicateProvider)

	_, err = NewRegistry(Entry{Descriptor: Descriptor{Name: "nil"}})
	assert.Error(t, err)
}

func TestRegistry_Lookup(t *testing.T) {
	reg, err := NewRegistry(Entry{Descriptor: Descriptor{Name: "a", Model: "m1"}, Analyzer: okAnalyzer("")})
	require.NoError(t, err)

	e, err := reg.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "m1", e.Model)

	_, err = reg.Lookup("zzz")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		msg       string
		permanent bool
	}{
		{"not found", 404, "no such route", true},
		{"rate limited", 429, "slow down", false},
		{"server error", 503, "overloaded", false},
		{"timeout", 408, "timeout", false},
		{"bad request", 400, "invalid image", true},
		{"deprecated model on 500", 500, "model gpt-x is deprecated", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus("p", tt.status, errors.New(tt.msg))
			assert.Equal(t, tt.permanent, IsPermanent(err))

			var ce *CallError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.status, ce.StatusCode)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("p", nil))
	assert.False(t, IsPermanent(Classify("p", context.DeadlineExceeded)))
	assert.True(t, IsPermanent(Classify("p", errors.New("The model `x` does not exist"))))
	assert.False(t, IsPermanent(Classify("p", errors.New("connection reset"))))

	// already classified errors are preserved
	perm := Permanent("p", errors.New("x"))
	assert.Same(t, perm, Classify("p", perm))
	assert.Contains(t, perm.Error(), "permanent")
}

type fakeChat struct {
	resp openai.ChatCompletionResponse
	err  error
	last openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	return f.resp, f.err
}

func TestOpenAIAnalyzer_Analyze(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"ok":true}`}}},
	}}
	a := newOpenAIAnalyzer(OpenAIConfig{Name: "openai", Model: "gpt-4o"}, chat)

	out, err := a.Analyze(context.Background(), pngHeader, "describe")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	require.Len(t, chat.last.Messages, 2)
	parts := chat.last.Messages[1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, "describe", parts[0].Text)
	assert.Contains(t, parts[1].ImageURL.URL, "data:image/png;base64,")
}

func TestOpenAIAnalyzer_ClassifiesErrors(t *testing.T) {
	chat := &fakeChat{err: &openai.APIError{HTTPStatusCode: 404, Message: "model_not_found"}}
	a := newOpenAIAnalyzer(OpenAIConfig{Name: "openai", Model: "gone"}, chat)

	_, err := a.Analyze(context.Background(), pngHeader, "x")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	chat.err = &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}
	_, err = a.Analyze(context.Background(), pngHeader, "x")
	assert.False(t, IsPermanent(err))

	chat.err = nil
	chat.resp = openai.ChatCompletionResponse{}
	_, err = a.Analyze(context.Background(), pngHeader, "x")
	assert.Error(t, err, "no choices should be an error")

	_, err = a.Analyze(context.Background(), nil, "x")
	assert.True(t, IsPermanent(err))
}

func TestAnthropicAnalyzer_Analyze(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Type:    "message",
			Content: []anthropicContent{{Type: "text", Text: `{"detected":true}`}},
		})
	}))
	defer srv.Close()

	a, err := NewAnthropicAnalyzer(AnthropicConfig{Name: "claude", APIKey: "secret", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := a.Analyze(context.Background(), pngHeader, "look")
	require.NoError(t, err)
	assert.Equal(t, `{"detected":true}`, out)

	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "image", got.Messages[0].Content[0].Type)
	assert.Equal(t, "image/png", got.Messages[0].Content[0].Source.MediaType)
	assert.Equal(t, "look", got.Messages[0].Content[1].Text)
}

func TestAnthropicAnalyzer_ErrorStatus(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Type:  "error",
			Error: &anthropicError{Type: "not_found_error", Message: "model: m"},
		})
	}))
	defer srv.Close()

	a, err := NewAnthropicAnalyzer(AnthropicConfig{Name: "claude", APIKey: "k", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), pngHeader, "x")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "not_found_error")

	status = http.StatusServiceUnavailable
	_, err = a.Analyze(context.Background(), pngHeader, "x")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestNewAnalyzers_RequireKey(t *testing.T) {
	_, err := NewOpenAIAnalyzer(OpenAIConfig{Name: "x"})
	assert.Error(t, err)
	_, err = NewAnthropicAnalyzer(AnthropicConfig{Name: "x", Model: "m"})
	assert.Error(t, err)
}

func TestScriptedAnalyzer(t *testing.T) {
	s := NewScriptedAnalyzer(Step{Payload: "one"}, Step{Err: errors.New("boom")})
	ctx := context.Background()

	out, err := s.Analyze(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	_, err = s.Analyze(ctx, nil, "p2")
	assert.EqualError(t, err, "boom")

	// last step repeats
	_, err = s.Analyze(ctx, nil, "p3")
	assert.EqualError(t, err, "boom")

	assert.Equal(t, 3, s.Calls())
	assert.Equal(t, []string{"p1", "p2", "p3"}, s.Prompts())
}
