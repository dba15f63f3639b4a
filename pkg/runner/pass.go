package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/grading"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/provider"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

// PassRunner runs a single pass and classifies the reply. It returns an
// error only when the pass was abandoned or cannot be attempted at all.
type PassRunner interface {
	RunPass(ctx context.Context, job *scheduler.Job) (outcome.Outcome, *float64, error)
}

// PassConfig configures a PassRunner.
type PassConfig struct {
	RequestTimeout time.Duration
	Temperature    float64
}

type passRunner struct {
	log       logrus.FieldLogger
	cfg       PassConfig
	providers provider.Registry
	grader    *grading.Grader
}

var _ PassRunner = (*passRunner)(nil)

// NewPassRunner creates a PassRunner. grader may be nil when no test case
// uses delegated grading.
func NewPassRunner(
	log logrus.FieldLogger,
	cfg PassConfig,
	providers provider.Registry,
	grader *grading.Grader,
) PassRunner {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}

	return &passRunner{
		log:       log.WithField("component", "pass-runner"),
		cfg:       cfg,
		providers: providers,
		grader:    grader,
	}
}

// RunPass prefixes the prompt with the pass number, sends it and grades the
// reply. Provider failures become failure outcomes with no duration.
func (r *passRunner) RunPass(ctx context.Context, job *scheduler.Job) (outcome.Outcome, *float64, error) {
	p, err := r.providers.Get(job.Model.Provider)
	if err != nil {
		return outcome.Outcome{}, nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	tc := &job.TestCase

	images, err := suite.LoadImages(tc)
	if err != nil {
		return outcome.Outcome{}, nil, fmt.Errorf("%w: test case %q: %w", config.ErrConfiguration, tc.Name, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	resp, err := p.Chat(reqCtx, &provider.ChatRequest{
		Model:       job.Model.Upstream,
		System:      tc.SystemPrompt,
		Prompt:      fmt.Sprintf("%d. %s", job.PassIndex, tc.Prompt),
		Images:      images,
		JSON:        tc.JSON,
		Temperature: r.cfg.Temperature,
	})
	if err != nil {
		if grading.IsAbandoned(ctx, err) {
			return outcome.Outcome{}, nil, err
		}

		r.log.WithError(err).WithFields(logrus.Fields{
			"model": job.Model.Name,
			"test":  tc.Name,
			"pass":  job.PassIndex,
		}).Warn("Provider call failed")

		return grading.FromError(err), nil, nil
	}

	duration := resp.Elapsed.Seconds()

	if tc.FollowUpPrompt == "" {
		return grading.Classify(tc, resp.Text), &duration, nil
	}

	if tc.JSON && !grading.IsJSONObject(resp.Text) {
		return outcome.Fail(outcome.NoJSON), &duration, nil
	}

	if r.grader == nil {
		r.log.WithField("test", tc.Name).Warn("Test case needs a grader but none is configured")

		return outcome.Unknown(), &duration, nil
	}

	gradeCtx, cancelGrade := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancelGrade()

	o, err := r.grader.Grade(gradeCtx, tc.FollowUpPrompt, resp.Text)
	if err != nil {
		return outcome.Outcome{}, nil, err
	}

	return o, &duration, nil
}
