package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/grading"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/provider"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type memStore struct {
	mu      sync.Mutex
	records []resultstore.Record
	err     error
}

func (s *memStore) Append(_ context.Context, r *resultstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.records = append(s.records, *r)

	return nil
}

func (s *memStore) Read(_ context.Context, model, testName string) ([]resultstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []resultstore.Record

	for _, r := range s.records {
		if r.Model == model && r.TestName == testName {
			out = append(out, r)
		}
	}

	return out, nil
}

type funcPassRunner func(ctx context.Context, job *scheduler.Job) (outcome.Outcome, *float64, error)

func (f funcPassRunner) RunPass(ctx context.Context, job *scheduler.Job) (outcome.Outcome, *float64, error) {
	return f(ctx, job)
}

func planFor(models []string, tests []string, passes int) *scheduler.Plan {
	plan := &scheduler.Plan{}

	for _, tc := range tests {
		for _, m := range models {
			for p := 1; p <= passes; p++ {
				plan.Jobs = append(plan.Jobs, scheduler.Job{
					Model:     suite.Model{Name: m},
					TestCase:  suite.TestCase{Name: tc},
					PassIndex: p,
				})
			}
		}
	}

	return plan
}

func TestRun_SequentialAppendsInOrder(t *testing.T) {
	store := &memStore{}
	pass := funcPassRunner(func(_ context.Context, job *scheduler.Job) (outcome.Outcome, *float64, error) {
		return outcome.Boolean(job.PassIndex%2 == 1), resultstore.Float(0.5), nil
	})

	r := NewRunner(newTestLogger(), &Config{}, store, pass)

	summary, err := r.Run(context.Background(), planFor([]string{"a", "b"}, []string{"t1"}, 2))
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Planned)
	assert.Equal(t, 4, summary.Completed)
	assert.Zero(t, summary.Abandoned)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, map[string]int{"CORRECT": 2, "WRONG": 2}, summary.Outcomes)
	assert.Len(t, summary.RunID, 8)

	require.Len(t, store.records, 4)
	assert.Equal(t, "a", store.records[0].Model)
	assert.Equal(t, 1, store.records[0].PassIndex)
	assert.Equal(t, "a", store.records[1].Model)
	assert.Equal(t, 2, store.records[1].PassIndex)
	assert.Equal(t, "b", store.records[2].Model)
	assert.Equal(t, resultstore.Float(0.5), store.records[0].Duration)
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64

	pass := funcPassRunner(func(_ context.Context, _ *scheduler.Job) (outcome.Outcome, *float64, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return outcome.Correct(), nil, nil
	})

	store := &memStore{}
	r := NewRunner(newTestLogger(), &Config{Concurrency: 3}, store, pass)

	summary, err := r.Run(context.Background(), planFor([]string{"a", "b", "c"}, []string{"t1", "t2"}, 3))
	require.NoError(t, err)

	assert.Equal(t, 18, summary.Completed)
	assert.Len(t, store.records, 18)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestRun_CancellationAbandonsAndResumes(t *testing.T) {
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64

	pass := funcPassRunner(func(ctx context.Context, _ *scheduler.Job) (outcome.Outcome, *float64, error) {
		if calls.Add(1) == 2 {
			cancel()
			<-ctx.Done()

			return outcome.Outcome{}, nil, ctx.Err()
		}

		return outcome.Correct(), nil, nil
	})

	models := []suite.Model{{Name: "a", Images: true, JSON: true}}
	cases := []suite.TestCase{{Name: "t1"}}
	opts := scheduler.Options{Passes: 3, UseCache: true}

	plan, err := scheduler.Schedule(context.Background(), store, models, cases, opts)
	require.NoError(t, err)
	require.Equal(t, 3, plan.Total())

	summary, err := NewRunner(newTestLogger(), &Config{}, store, pass).Run(ctx, plan)
	require.NoError(t, err)

	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 2, summary.Abandoned)
	require.Len(t, store.records, 1)

	plan, err = scheduler.Schedule(context.Background(), store, models, cases, opts)
	require.NoError(t, err)
	require.Equal(t, 2, plan.Total())
	assert.Equal(t, 2, plan.Jobs[0].PassIndex)
	assert.Equal(t, 3, plan.Jobs[1].PassIndex)
}

func TestRun_StoreFailureAborts(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	pass := funcPassRunner(func(context.Context, *scheduler.Job) (outcome.Outcome, *float64, error) {
		return outcome.Correct(), nil, nil
	})

	summary, err := NewRunner(newTestLogger(), &Config{}, store, pass).
		Run(context.Background(), planFor([]string{"a"}, []string{"t1"}, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, summary.Completed)
}

func TestRun_ConfigurationErrorAborts(t *testing.T) {
	pass := funcPassRunner(func(context.Context, *scheduler.Job) (outcome.Outcome, *float64, error) {
		return outcome.Outcome{}, nil, fmt.Errorf("%w: unknown provider", config.ErrConfiguration)
	})

	_, err := NewRunner(newTestLogger(), &Config{}, &memStore{}, pass).
		Run(context.Background(), planFor([]string{"a"}, []string{"t1"}, 1))
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestRun_RateLimiter(t *testing.T) {
	pass := funcPassRunner(func(context.Context, *scheduler.Job) (outcome.Outcome, *float64, error) {
		return outcome.Correct(), nil, nil
	})

	store := &memStore{}
	r := NewRunner(newTestLogger(), &Config{RequestsPerMinute: map[string]int{"a": 6000}}, store, pass)

	start := time.Now()
	summary, err := r.Run(context.Background(), planFor([]string{"a"}, []string{"t1"}, 3))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Completed)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

// Pass runner tests.

type stubProvider struct {
	name    string
	mu      sync.Mutex
	replies map[string]string
	err     error
	reqs    []provider.ChatRequest
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, *req)

	if s.err != nil {
		return nil, s.err
	}

	return &provider.ChatResponse{Text: s.replies[req.Model], Elapsed: 1500 * time.Millisecond}, nil
}

type stubRegistry map[string]provider.Provider

func (r stubRegistry) Get(name string) (provider.Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	return p, nil
}

func (r stubRegistry) Register(p provider.Provider) { r[p.Name()] = p }

func (r stubRegistry) List() []string { return nil }

func job(tc suite.TestCase) *scheduler.Job {
	return &scheduler.Job{
		Model:     suite.Model{Name: "model", Provider: "stub", Upstream: "upstream-model"},
		TestCase:  tc,
		PassIndex: 2,
	}
}

func TestPassRunner_ClassifiesReply(t *testing.T) {
	stub := &stubProvider{name: "stub", replies: map[string]string{"upstream-model": "It is **Paris**"}}
	pr := NewPassRunner(newTestLogger(), PassConfig{Temperature: 0.2}, stubRegistry{"stub": stub}, nil)

	o, d, err := pr.RunPass(context.Background(), job(suite.TestCase{
		Name: "capital", Prompt: "Capital of France?", SystemPrompt: "Be brief", AnswerContains: "Paris",
	}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Correct(), o)
	require.NotNil(t, d)
	assert.InDelta(t, 1.5, *d, 1e-9)

	require.Len(t, stub.reqs, 1)
	assert.Equal(t, "2. Capital of France?", stub.reqs[0].Prompt)
	assert.Equal(t, "upstream-model", stub.reqs[0].Model)
	assert.Equal(t, "Be brief", stub.reqs[0].System)
	assert.InDelta(t, 0.2, stub.reqs[0].Temperature, 1e-9)
}

func TestPassRunner_ProviderFailure(t *testing.T) {
	stub := &stubProvider{name: "stub", err: fmt.Errorf("%w: 429", provider.ErrRateLimited)}
	pr := NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{"stub": stub}, nil)

	o, d, err := pr.RunPass(context.Background(), job(suite.TestCase{Name: "t", Prompt: "p"}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Fail(outcome.RateLimited), o)
	assert.Nil(t, d)
}

func TestPassRunner_DelegatedGrading(t *testing.T) {
	stub := &stubProvider{name: "stub", replies: map[string]string{
		"upstream-model": "line one\nline two",
		"reviewer":       `{"correct_count": 2}`,
	}}
	registry := stubRegistry{"stub": stub}
	grader := grading.NewGrader(newTestLogger(), stub, config.GraderConfig{Model: "reviewer"})
	pr := NewPassRunner(newTestLogger(), PassConfig{}, registry, grader)

	o, d, err := pr.RunPass(context.Background(), job(suite.TestCase{
		Name: "haiku", Prompt: "Write", FollowUpPrompt: "Count correct lines: {answer}",
	}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Graded(2), o)
	require.NotNil(t, d)

	require.Len(t, stub.reqs, 2)
	assert.Equal(t, "Count correct lines: line one\nline two", stub.reqs[1].Prompt)
	assert.True(t, stub.reqs[1].JSON)
}

func TestPassRunner_GradingWithoutGrader(t *testing.T) {
	stub := &stubProvider{name: "stub", replies: map[string]string{"upstream-model": "x"}}
	pr := NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{"stub": stub}, nil)

	o, _, err := pr.RunPass(context.Background(), job(suite.TestCase{Name: "t", Prompt: "p", FollowUpPrompt: "{answer}"}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Unknown(), o)
}

func TestPassRunner_NoJSONBeforeGrading(t *testing.T) {
	stub := &stubProvider{name: "stub", replies: map[string]string{"upstream-model": "prose"}}
	pr := NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{"stub": stub}, nil)

	o, _, err := pr.RunPass(context.Background(), job(suite.TestCase{
		Name: "t", Prompt: "p", JSON: true, FollowUpPrompt: "{answer}",
	}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Fail(outcome.NoJSON), o)
	assert.Len(t, stub.reqs, 1)
}

func TestPassRunner_Errors(t *testing.T) {
	pr := NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{}, nil)

	_, _, err := pr.RunPass(context.Background(), job(suite.TestCase{Name: "t", Prompt: "p"}))
	require.ErrorIs(t, err, config.ErrConfiguration)

	stub := &stubProvider{name: "stub"}
	pr = NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{"stub": stub}, nil)

	_, _, err = pr.RunPass(context.Background(), job(suite.TestCase{
		Name: "t", Prompt: "p", Images: suite.ImagePaths{filepath.Join(t.TempDir(), "missing.png")},
	}))
	require.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPassRunner_Abandoned(t *testing.T) {
	stub := &stubProvider{name: "stub", err: context.Canceled}
	pr := NewPassRunner(newTestLogger(), PassConfig{}, stubRegistry{"stub": stub}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := pr.RunPass(ctx, job(suite.TestCase{Name: "t", Prompt: "p"}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPassRunner_EchoEndToEnd(t *testing.T) {
	registry, err := provider.NewRegistry(newTestLogger(), map[string]config.ProviderConfig{
		"stub": {Type: config.ProviderTypeEcho},
	})
	require.NoError(t, err)

	pr := NewPassRunner(newTestLogger(), PassConfig{}, registry, nil)

	o, _, err := pr.RunPass(context.Background(), job(suite.TestCase{Name: "t", Prompt: "say 2. hi", Answer: "2. say 2. hi"}))
	require.NoError(t, err)
	assert.Equal(t, outcome.Correct(), o)
}
