package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
)

const (
	// DefaultOpenAIBaseURL is used when base_url is not configured.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// DefaultMaxResponseSize caps a reply body when max_response_size is unset.
	DefaultMaxResponseSize = 4 * units.MB
)

// OpenAI talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	log        logrus.FieldLogger
	name       string
	baseURL    string
	apiKey     string
	maxBody    int64
	httpClient *http.Client
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(log logrus.FieldLogger, name string, cfg config.ProviderConfig) (*OpenAI, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	maxBody := int64(DefaultMaxResponseSize)

	if cfg.MaxResponseSize != "" {
		size, err := units.FromHumanSize(cfg.MaxResponseSize)
		if err != nil {
			return nil, fmt.Errorf("parsing max_response_size: %w", err)
		}

		maxBody = size
	}

	log = log.WithFields(logrus.Fields{
		"component": "provider",
		"provider":  name,
	})

	log.WithFields(logrus.Fields{
		"base_url":          baseURL,
		"max_response_size": units.HumanSize(float64(maxBody)),
	}).Debug("Configured OpenAI-compatible provider")

	return &OpenAI{
		log:        log,
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.ResolveAPIKey(),
		maxBody:    maxBody,
		httpClient: &http.Client{},
	}, nil
}

// Name returns the provider name.
func (c *OpenAI) Name() string { return c.name }

type openAIMessage struct {
	Role string `json:"role"`
	// Content is a string, or a list of parts when images are attached.
	Content any `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func buildOpenAIRequest(req *ChatRequest) *openAIRequest {
	body := &openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}

	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}

	if len(req.Images) == 0 {
		body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := make([]openAIContentPart, 0, len(req.Images)+1)
		parts = append(parts, openAIContentPart{Type: "text", Text: req.Prompt})

		for _, img := range req.Images {
			parts = append(parts, openAIContentPart{
				Type: "image_url",
				ImageURL: &openAIImageURL{
					URL: "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}

		body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: parts})
	}

	if req.JSON {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	return body
}

// Chat sends a chat completion request.
func (c *OpenAI) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	elapsed := time.Since(start)

	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("response exceeds %s", units.HumanSize(float64(c.maxBody)))
	}

	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, parsed.Error.Message)
	}

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	c.log.WithFields(logrus.Fields{
		"model":   req.Model,
		"elapsed": elapsed,
		"tokens":  parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens,
	}).Debug("Chat completion received")

	return &ChatResponse{
		Text:             parsed.Choices[0].Message.Content,
		Elapsed:          elapsed,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// statusError maps an HTTP status to a failure signal. Server errors are
// returned unwrapped.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, snippet)
	case status == http.StatusNotFound || status == http.StatusNotImplemented:
		return fmt.Errorf("%w: status %d: %s", ErrNotImplemented, status, snippet)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d: %s", ErrBadRequest, status, snippet)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, snippet)
	}
}
