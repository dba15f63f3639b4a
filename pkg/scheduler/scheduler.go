package scheduler

import (
	"context"
	"fmt"

	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

// Job is one pass of one test case against one model.
type Job struct {
	Model     suite.Model
	TestCase  suite.TestCase
	PassIndex int
}

// Skip is a (model, test) pair excluded by a capability filter.
type Skip struct {
	Model    string
	TestName string
}

// Plan is the outstanding work for a run.
type Plan struct {
	Jobs    []Job
	Skipped []Skip
}

// Total returns the number of jobs.
func (p *Plan) Total() int {
	return len(p.Jobs)
}

// Options control scheduling.
type Options struct {
	// Passes is the required number of passes per pair.
	Passes int
	// UseCache skips passes that already have a record.
	UseCache bool
	// RetryOutcomes are stored outcomes that do not satisfy a pass.
	RetryOutcomes []outcome.Outcome
}

// Reader is the part of the result store the scheduler needs.
type Reader interface {
	Read(ctx context.Context, model, testName string) ([]resultstore.Record, error)
}

// Schedule returns the jobs needed to bring every (model, test) pair up to
// opts.Passes recorded passes. Test cases form the outer loop and models the
// inner one, each in input order, with passes ascending.
func Schedule(
	ctx context.Context,
	store Reader,
	models []suite.Model,
	cases []suite.TestCase,
	opts Options,
) (*Plan, error) {
	if opts.Passes < 1 {
		return nil, fmt.Errorf("passes must be at least 1, got %d", opts.Passes)
	}

	plan := &Plan{}

	for _, tc := range cases {
		for _, m := range models {
			if !m.Supports(&tc) {
				plan.Skipped = append(plan.Skipped, Skip{Model: m.Name, TestName: tc.Name})

				continue
			}

			satisfied := make(map[int]struct{})

			if opts.UseCache {
				records, err := store.Read(ctx, m.Name, tc.Name)
				if err != nil {
					return nil, fmt.Errorf("reading records for %s/%s: %w", m.Name, tc.Name, err)
				}

				for _, r := range records {
					if r.PassIndex <= opts.Passes && !retry(r.Outcome, opts.RetryOutcomes) {
						satisfied[r.PassIndex] = struct{}{}
					}
				}
			}

			for pass := 1; pass <= opts.Passes; pass++ {
				if _, ok := satisfied[pass]; ok {
					continue
				}

				plan.Jobs = append(plan.Jobs, Job{Model: m, TestCase: tc, PassIndex: pass})
			}
		}
	}

	return plan, nil
}

func retry(o outcome.Outcome, retryOutcomes []outcome.Outcome) bool {
	for _, r := range retryOutcomes {
		if o == r {
			return true
		}
	}

	return false
}
