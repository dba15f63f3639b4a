package suite

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/promptoor/pkg/config"
)

// Model is a model under test.
type Model struct {
	Name     string
	Provider string
	// Upstream is the model id sent to the provider.
	Upstream          string
	Images            bool
	JSON              bool
	RequestsPerMinute int
}

// Supports reports whether the model can run tc.
func (m *Model) Supports(tc *TestCase) bool {
	if tc.HasImages() && !m.Images {
		return false
	}

	if tc.JSON && !m.JSON {
		return false
	}

	return true
}

// ModelsFromConfig converts the configured models, keeping their order.
func ModelsFromConfig(cfgs []config.ModelConfig) []Model {
	models := make([]Model, 0, len(cfgs))

	for i := range cfgs {
		c := &cfgs[i]

		models = append(models, Model{
			Name:              c.Name,
			Provider:          strings.ToLower(c.Provider),
			Upstream:          c.UpstreamModel(),
			Images:            c.Capabilities.SupportsImages(),
			JSON:              c.Capabilities.SupportsJSON(),
			RequestsPerMinute: c.RequestsPerMinute,
		})
	}

	return models
}

// Select narrows models and test cases to the given CLI tokens. Each token
// must name a model or a test case. A kind with no matching token is kept
// whole. Unknown tokens are a configuration error.
func Select(models []Model, cases []TestCase, tokens []string) ([]Model, []TestCase, error) {
	if len(tokens) == 0 {
		return models, cases, nil
	}

	wantModels := make(map[string]struct{}, len(tokens))
	wantCases := make(map[string]struct{}, len(tokens))

	for _, tok := range tokens {
		matched := false

		for i := range models {
			if models[i].Name == tok {
				wantModels[tok] = struct{}{}
				matched = true
			}
		}

		for i := range cases {
			if cases[i].Name == tok {
				wantCases[tok] = struct{}{}
				matched = true
			}
		}

		if !matched {
			return nil, nil, fmt.Errorf("%w: %q is neither a model nor a test case", config.ErrConfiguration, tok)
		}
	}

	selectedModels := models
	if len(wantModels) > 0 {
		selectedModels = make([]Model, 0, len(wantModels))

		for _, m := range models {
			if _, ok := wantModels[m.Name]; ok {
				selectedModels = append(selectedModels, m)
			}
		}
	}

	selectedCases := cases
	if len(wantCases) > 0 {
		selectedCases = make([]TestCase, 0, len(wantCases))

		for _, tc := range cases {
			if _, ok := wantCases[tc.Name]; ok {
				selectedCases = append(selectedCases, tc)
			}
		}
	}

	return selectedModels, selectedCases, nil
}

// WithoutImages drops image-bearing test cases.
func WithoutImages(cases []TestCase) []TestCase {
	out := make([]TestCase, 0, len(cases))

	for _, tc := range cases {
		if !tc.HasImages() {
			out = append(out, tc)
		}
	}

	return out
}
