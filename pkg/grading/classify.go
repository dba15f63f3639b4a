package grading

import (
	"context"
	"errors"
	"strings"

	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/provider"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

var emphasisReplacer = strings.NewReplacer("**", "", "__", "")

// Classify applies the containment/equality policy to a reply. JSON test
// cases whose reply is not a JSON object short-circuit to NO_JSON.
func Classify(tc *suite.TestCase, reply string) outcome.Outcome {
	if tc.JSON && !IsJSONObject(reply) {
		return outcome.Fail(outcome.NoJSON)
	}

	if tc.AnswerContains != "" {
		if strings.Contains(reply, tc.AnswerContains) ||
			strings.Contains(emphasisReplacer.Replace(reply), tc.AnswerContains) {
			return outcome.Correct()
		}
	}

	if tc.Answer != "" && strings.TrimSpace(reply) == strings.TrimSpace(tc.Answer) {
		return outcome.Correct()
	}

	return outcome.Wrong()
}

// FromError maps a provider failure to its outcome. Errors that are not one
// of the provider sentinels count as BAD_REQUEST.
func FromError(err error) outcome.Outcome {
	switch {
	case errors.Is(err, provider.ErrNotImplemented):
		return outcome.Fail(outcome.NotImplemented)
	case errors.Is(err, provider.ErrRateLimited):
		return outcome.Fail(outcome.RateLimited)
	default:
		return outcome.Fail(outcome.BadRequest)
	}
}

// IsAbandoned reports whether err comes from a cancelled run rather than
// from the provider. Such passes are not recorded. A request timeout
// (deadline exceeded) is a provider failure, not an abandonment.
func IsAbandoned(ctx context.Context, err error) bool {
	return err != nil && errors.Is(ctx.Err(), context.Canceled)
}
