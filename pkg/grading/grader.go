package grading

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/provider"
)

const (
	legacyPlaceholder = "{antwoord}"
	legacyCountField  = "aantal_goed"
)

// Grader sends a reply to a reviewer model and reads back a score.
type Grader struct {
	log         logrus.FieldLogger
	provider    provider.Provider
	model       string
	placeholder string
	countField  string
}

// NewGrader creates a grader backed by p.
func NewGrader(log logrus.FieldLogger, p provider.Provider, cfg config.GraderConfig) *Grader {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = config.DefaultGraderPlaceholder
	}

	countField := cfg.CountField
	if countField == "" {
		countField = config.DefaultGraderCountField
	}

	return &Grader{
		log:         log.WithField("component", "grader"),
		provider:    p,
		model:       cfg.Model,
		placeholder: placeholder,
		countField:  countField,
	}
}

// FollowUpPrompt substitutes reply into the follow-up template.
func (g *Grader) FollowUpPrompt(template, reply string) string {
	return strings.NewReplacer(g.placeholder, reply, legacyPlaceholder, reply).Replace(template)
}

// Grade asks the reviewer model to score reply. Provider failures are
// returned as their failure outcome. A reply without a usable count field
// grades as UNKNOWN. The error is only set when ctx was cancelled.
func (g *Grader) Grade(ctx context.Context, template, reply string) (outcome.Outcome, error) {
	resp, err := g.provider.Chat(ctx, &provider.ChatRequest{
		Model:  g.model,
		Prompt: g.FollowUpPrompt(template, reply),
		JSON:   true,
	})
	if err != nil {
		if IsAbandoned(ctx, err) {
			return outcome.Outcome{}, err
		}

		g.log.WithError(err).Warn("Grader request failed")

		return FromError(err), nil
	}

	obj, err := ParseObject(resp.Text)
	if err != nil {
		g.log.WithError(err).Debug("Grader reply is not a JSON object")

		return outcome.Unknown(), nil
	}

	n, ok := ExtractCount(obj, g.countField, legacyCountField)
	if !ok {
		g.log.WithField("field", g.countField).Debug("Grader reply has no usable count")

		return outcome.Unknown(), nil
	}

	return outcome.Graded(n), nil
}
