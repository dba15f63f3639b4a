package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
)

// Failure signals. Adapters wrap these so callers can classify with errors.Is.
var (
	// ErrNotImplemented is returned when the provider or model does not
	// support the requested operation.
	ErrNotImplemented = errors.New("not implemented by provider")
	// ErrBadRequest is returned when the provider rejects the request.
	ErrBadRequest = errors.New("bad request")
	// ErrRateLimited is returned when the provider throttles the caller.
	ErrRateLimited = errors.New("rate limited")
)

// Image is an attachment sent with the prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

// ChatRequest is a single-turn chat request.
type ChatRequest struct {
	Model  string
	System string
	Prompt string
	Images []Image
	// JSON asks the provider for a JSON object reply.
	JSON        bool
	Temperature float64
}

// ChatResponse is the reply to a ChatRequest.
type ChatResponse struct {
	Text             string
	Elapsed          time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Provider invokes a language model.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Chat sends req and returns the reply.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Registry manages the configured providers.
type Registry interface {
	Get(name string) (Provider, error)
	Register(p Provider)
	List() []string
}

// NewRegistry creates a registry with one provider per config entry.
func NewRegistry(log logrus.FieldLogger, cfgs map[string]config.ProviderConfig) (Registry, error) {
	r := &registry{
		providers: make(map[string]Provider, len(cfgs)),
	}

	for name, cfg := range cfgs {
		p, err := New(log, name, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating provider %q: %w", name, err)
		}

		r.Register(p)
	}

	return r, nil
}

// New creates a provider from its config.
func New(log logrus.FieldLogger, name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case config.ProviderTypeOpenAI:
		return NewOpenAI(log, name, cfg)
	case config.ProviderTypeGemini:
		return NewGemini(context.Background(), log, name, cfg)
	case config.ProviderTypeEcho:
		return NewEcho(name), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

type registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// Get returns the provider with the given name.
func (r *registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	return p, nil
}

// Register adds a provider to the registry.
func (r *registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.Name()] = p
}

// List returns all registered provider names, sorted.
func (r *registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
