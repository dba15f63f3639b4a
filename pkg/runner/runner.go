package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/promptoor/pkg/grading"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
)

// Runner executes a plan and records every completed pass.
type Runner interface {
	// Run executes plan.Jobs. Each finished pass is appended to the store
	// before the next one is counted. Cancelling ctx stops new jobs from
	// starting and abandons in-flight ones; abandoned passes are not stored.
	Run(ctx context.Context, plan *scheduler.Plan) (*Summary, error)
}

// Appender is the part of the result store the runner needs.
type Appender interface {
	Append(ctx context.Context, r *resultstore.Record) error
}

// Config for the runner.
type Config struct {
	// Concurrency is the number of passes in flight. 1 runs sequentially.
	Concurrency int
	// RequestsPerMinute throttles each model by name. Zero means unlimited.
	RequestsPerMinute map[string]int
}

// Summary describes a finished run.
type Summary struct {
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Planned     int            `json:"planned"`
	Completed   int            `json:"completed"`
	Abandoned   int            `json:"abandoned"`
	Interrupted bool           `json:"interrupted"`
	Outcomes    map[string]int `json:"outcomes"`
}

type runner struct {
	log   logrus.FieldLogger
	cfg   *Config
	store Appender
	pass  PassRunner
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// NewRunner creates a new runner.
func NewRunner(log logrus.FieldLogger, cfg *Config, store Appender, pass PassRunner) Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &runner{
		log:   log.WithField("component", "runner"),
		cfg:   cfg,
		store: store,
		pass:  pass,
	}
}

// GenerateRunID returns a short random run id.
func GenerateRunID() string {
	return uuid.NewString()[:8]
}

// Run executes the plan.
func (r *runner) Run(ctx context.Context, plan *scheduler.Plan) (*Summary, error) {
	summary := &Summary{
		RunID:     GenerateRunID(),
		StartedAt: time.Now().UTC(),
		Planned:   plan.Total(),
		Outcomes:  make(map[string]int),
	}

	log := r.log.WithField("run_id", summary.RunID)
	log.WithFields(logrus.Fields{
		"jobs":        plan.Total(),
		"skipped":     len(plan.Skipped),
		"concurrency": r.cfg.Concurrency,
	}).Info("Starting run")

	limiters := r.limiters()

	var (
		mu      sync.Mutex
		started atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i := range plan.Jobs {
		if gctx.Err() != nil {
			break
		}

		job := &plan.Jobs[i]

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			if limiter, ok := limiters[job.Model.Name]; ok {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
			}

			n := started.Add(1)

			jobLog := log.WithFields(logrus.Fields{
				"model":    job.Model.Name,
				"test":     job.TestCase.Name,
				"pass":     job.PassIndex,
				"progress": fmt.Sprintf("%d/%d", n, plan.Total()),
			})
			jobLog.Info("Running prompt")

			o, duration, err := r.pass.RunPass(gctx, job)
			if err != nil {
				if grading.IsAbandoned(gctx, err) {
					jobLog.Warn("Pass abandoned")

					return nil
				}

				return fmt.Errorf("running %s/%s pass %d: %w", job.Model.Name, job.TestCase.Name, job.PassIndex, err)
			}

			record := &resultstore.Record{
				Model:     job.Model.Name,
				TestName:  job.TestCase.Name,
				PassIndex: job.PassIndex,
				Outcome:   o,
				Duration:  duration,
			}

			// A finished pass is stored even if the run is being cancelled.
			if err := r.store.Append(context.WithoutCancel(gctx), record); err != nil {
				return fmt.Errorf("storing result: %w", err)
			}

			mu.Lock()
			summary.Completed++
			summary.Outcomes[o.String()]++
			mu.Unlock()

			fields := logrus.Fields{"outcome": o.String()}
			if duration != nil {
				fields["duration"] = time.Duration(*duration * float64(time.Second)).Round(time.Millisecond)
			}

			jobLog.WithFields(fields).Info("Pass recorded")

			return nil
		})
	}

	err := g.Wait()

	summary.FinishedAt = time.Now().UTC()
	summary.Abandoned = summary.Planned - summary.Completed
	summary.Interrupted = ctx.Err() != nil

	if err != nil {
		log.WithError(err).Error("Run failed")

		return summary, err
	}

	entry := log.WithFields(logrus.Fields{
		"completed": summary.Completed,
		"abandoned": summary.Abandoned,
		"elapsed":   summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	})

	if summary.Interrupted {
		entry.Warn("Run interrupted")
	} else {
		entry.Info("Run completed")
	}

	return summary, nil
}

func (r *runner) limiters() map[string]*rate.Limiter {
	limiters := make(map[string]*rate.Limiter, len(r.cfg.RequestsPerMinute))

	for model, rpm := range r.cfg.RequestsPerMinute {
		if rpm <= 0 {
			continue
		}

		limiters[model] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}

	return limiters
}
