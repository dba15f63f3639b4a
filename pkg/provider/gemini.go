package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/ethpandaops/promptoor/pkg/config"
)

// Gemini talks to the Gemini API through the genai SDK.
type Gemini struct {
	log    logrus.FieldLogger
	name   string
	client *genai.Client
}

var _ Provider = (*Gemini)(nil)

// NewGemini creates a Gemini provider.
func NewGemini(
	ctx context.Context,
	log logrus.FieldLogger,
	name string,
	cfg config.ProviderConfig,
) (*Gemini, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for gemini provider %q", name)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}

	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		log: log.WithFields(logrus.Fields{
			"component": "provider",
			"provider":  name,
		}),
		name:   name,
		client: client,
	}, nil
}

// Name returns the provider name.
func (g *Gemini) Name() string { return g.name }

// Chat sends a single GenerateContent request.
func (g *Gemini) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	parts = append(parts, genai.NewPartFromText(req.Prompt))

	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}

	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	elapsed := time.Since(start)

	out := &ChatResponse{
		Text:    resp.Text(),
		Elapsed: elapsed,
	}

	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	g.log.WithFields(logrus.Fields{
		"model":   req.Model,
		"elapsed": elapsed,
	}).Debug("Content generated")

	return out, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("generating content: %w", err)
	}

	return statusError(apiErr.Code, []byte(apiErr.Message))
}
