package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promptoor/pkg/config"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(newTestLogger(), map[string]config.ProviderConfig{
		"local":  {Type: config.ProviderTypeEcho},
		"remote": {Type: config.ProviderTypeOpenAI, BaseURL: "http://127.0.0.1:1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"local", "remote"}, r.List())

	p, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = r.Get("missing")
	require.Error(t, err)
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := NewRegistry(newTestLogger(), map[string]config.ProviderConfig{
		"x": {Type: "smoke-signal"},
	})
	require.Error(t, err)
}

func TestEcho(t *testing.T) {
	e := NewEcho("echo")

	resp, err := e.Chat(context.Background(), &ChatRequest{Prompt: "1. hello"})
	require.NoError(t, err)
	assert.Equal(t, "1. hello", resp.Text)

	resp, err = e.Chat(context.Background(), &ChatRequest{Prompt: "hi", JSON: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"hi"}`, resp.Text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Chat(ctx, &ChatRequest{Prompt: "hi"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenAI_Chat(t *testing.T) {
	var got openAIRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"content":"{\"answer\":42}"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":3}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(newTestLogger(), "openai", config.ProviderConfig{
		BaseURL: srv.URL + "/",
		APIKey:  "secret",
	})
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:  "gpt-4o",
		System: "be brief",
		Prompt: "1. what?",
		Images: []Image{{Data: []byte{0x1, 0x2}, MIMEType: "image/png"}},
		JSON:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":42}`, resp.Text)
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)

	assert.Equal(t, "gpt-4o", got.Model)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)

	parts, ok := got.Messages[1].Content.([]any)
	require.True(t, ok)
	require.Len(t, parts, 2)

	image, ok := parts[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "image_url", image["type"])
	assert.Equal(t,
		map[string]any{"url": "data:image/png;base64,AQI="},
		image["image_url"],
	)
}

func TestOpenAI_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited},
		{name: "model not found", status: http.StatusNotFound, want: ErrNotImplemented},
		{name: "not implemented", status: http.StatusNotImplemented, want: ErrNotImplemented},
		{name: "bad request", status: http.StatusBadRequest, want: ErrBadRequest},
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrBadRequest},
		{name: "error body", status: http.StatusOK, body: `{"error":{"message":"nope"}}`, want: ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewOpenAI(newTestLogger(), "openai", config.ProviderConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = p.Chat(context.Background(), &ChatRequest{Model: "m", Prompt: "p"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAI_ServerErrorIsNotASentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewOpenAI(newTestLogger(), "openai", config.ProviderConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), &ChatRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRequest)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrNotImplemented)
}

func TestOpenAI_MaxResponseSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	p, err := NewOpenAI(newTestLogger(), "openai", config.ProviderConfig{
		BaseURL:         srv.URL,
		MaxResponseSize: "1KB",
	})
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), &ChatRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response exceeds")

	_, err = NewOpenAI(newTestLogger(), "openai", config.ProviderConfig{MaxResponseSize: "lots"})
	require.Error(t, err)
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), newTestLogger(), "gemini", config.ProviderConfig{})
	require.Error(t, err)
}
