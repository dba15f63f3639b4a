package resultstore_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type backend struct {
	name string
	open func(t *testing.T) resultstore.Store
}

func backends() []backend {
	return []backend{
		{
			name: "jsonl",
			open: func(t *testing.T) resultstore.Store {
				t.Helper()

				path := filepath.Join(t.TempDir(), "storage.jsonl")

				return startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) resultstore.Store {
				t.Helper()

				return startStore(t, resultstore.NewSQLStore(newTestLogger(), &config.StoreConfig{
					Driver: config.StoreDriverSQLite,
					Path:   ":memory:",
				}))
			},
		},
	}
}

func startStore(t *testing.T, s resultstore.Store) resultstore.Store {
	t.Helper()

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func rec(model, test string, pass int, o outcome.Outcome, d *float64) *resultstore.Record {
	return &resultstore.Record{Model: model, TestName: test, PassIndex: pass, Outcome: o, Duration: d}
}

func TestStore_AppendAndRead(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.Append(ctx, rec("m1", "t1", 1, outcome.Correct(), resultstore.Float(1.5))))
			require.NoError(t, s.Append(ctx, rec("m2", "t1", 1, outcome.Wrong(), nil)))
			require.NoError(t, s.Append(ctx, rec("m1", "t1", 2, outcome.Graded(3), resultstore.Float(2))))

			got, err := s.Read(ctx, "m1", "t1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].PassIndex)
			assert.Equal(t, outcome.Correct(), got[0].Outcome)
			assert.Equal(t, 2, got[1].PassIndex)
			assert.Equal(t, outcome.Graded(3), got[1].Outcome)

			one, err := s.ReadOne(ctx, "m2", "t1", 1)
			require.NoError(t, err)
			require.NotNil(t, one)
			assert.Nil(t, one.Duration)

			missing, err := s.ReadOne(ctx, "m2", "t1", 2)
			require.NoError(t, err)
			assert.Nil(t, missing)

			none, err := s.Read(ctx, "m3", "t1")
			require.NoError(t, err)
			assert.Empty(t, none)

			all, err := s.All(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStore_LastWriteWinsKeepsSlot(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.Append(ctx, rec("m", "t", 1, outcome.Fail(outcome.RateLimited), nil)))
			require.NoError(t, s.Append(ctx, rec("m", "t", 2, outcome.Correct(), nil)))
			require.NoError(t, s.Append(ctx, rec("m", "t", 1, outcome.Wrong(), resultstore.Float(0.5))))

			got, err := s.Read(ctx, "m", "t")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].PassIndex)
			assert.Equal(t, outcome.Wrong(), got[0].Outcome)
			assert.Equal(t, resultstore.Float(0.5), got[0].Duration)
			assert.Equal(t, 2, got[1].PassIndex)
		})
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	invalid := []*resultstore.Record{
		rec("", "t", 1, outcome.Correct(), nil),
		rec("m", "", 1, outcome.Correct(), nil),
		rec("m", "t", 0, outcome.Correct(), nil),
		rec("m", "t", 1, outcome.Outcome{}, nil),
		rec("m", "t", 1, outcome.Skipped(), nil),
		rec("m\xff", "t", 1, outcome.Correct(), nil),
		rec("m", "t\xfe", 1, outcome.Correct(), nil),
	}

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			for i, r := range invalid {
				require.ErrorIs(t, s.Append(context.Background(), r), resultstore.ErrInvalidRecord, "record %d", i)
			}

			all, err := s.All(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStore_Reset(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			require.NoError(t, s.Append(ctx, rec("m", "t", 1, outcome.Correct(), nil)))
			require.NoError(t, s.Reset(ctx))

			all, err := s.All(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)

			require.NoError(t, s.Append(ctx, rec("m", "t", 1, outcome.Wrong(), nil)))

			all, err = s.All(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			var wg sync.WaitGroup

			for i := 1; i <= 20; i++ {
				wg.Add(1)

				go func(pass int) {
					defer wg.Done()

					assert.NoError(t, s.Append(ctx, rec("m", "t", pass, outcome.Correct(), nil)))
				}(i)
			}

			wg.Wait()

			got, err := s.Read(ctx, "m", "t")
			require.NoError(t, err)
			assert.Len(t, got, 20)
		})
	}
}

func TestImport(t *testing.T) {
	src := backends()[0].open(t)
	dst := backends()[1].open(t)
	ctx := context.Background()

	require.NoError(t, src.Append(ctx, rec("m", "t", 1, outcome.Correct(), resultstore.Float(1))))
	require.NoError(t, src.Append(ctx, rec("m", "t", 2, outcome.Fail(outcome.NoJSON), nil)))
	require.NoError(t, src.Append(ctx, rec("m", "u", 1, outcome.Unknown(), resultstore.Float(3.25))))

	n, err := resultstore.Import(ctx, dst, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want, err := src.All(ctx)
	require.NoError(t, err)

	got, err := dst.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNew(t *testing.T) {
	s, err := resultstore.New(newTestLogger(), &config.StoreConfig{
		Driver: config.StoreDriverJSONL,
		Path:   filepath.Join(t.TempDir(), "s.jsonl"),
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = resultstore.New(newTestLogger(), &config.StoreConfig{Driver: "mongo"}, nil)
	require.Error(t, err)
}

func TestJSONLStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	ctx := context.Background()

	outcomes := []outcome.Outcome{
		outcome.Correct(), outcome.Wrong(), outcome.Graded(0), outcome.Graded(4), outcome.Unknown(),
		outcome.Fail(outcome.NotImplemented), outcome.Fail(outcome.BadRequest),
		outcome.Fail(outcome.RateLimited), outcome.Fail(outcome.NoJSON),
	}

	var want []resultstore.Record

	s := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	for i, o := range outcomes {
		var d *float64
		if i%3 != 0 {
			d = resultstore.Float(0.1 * float64(i) / 3)
		}

		r := rec(fmt.Sprintf("model-%d", i%2), fmt.Sprintf("test \"%d\" ünï", i%4), i+1, o, d)
		require.NoError(t, s.Append(ctx, r))

		want = append(want, *r)
	}

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	reloaded := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	got, err := reloaded.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Rewriting what was read reproduces the file byte for byte.
	require.NoError(t, reloaded.AppendAll(ctx, got))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestJSONLStore_WireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	s := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	require.NoError(t, s.Append(context.Background(), rec("m", "t", 1, outcome.Correct(), resultstore.Float(1.25))))
	require.NoError(t, s.Append(context.Background(), rec("m", "t", 2, outcome.Graded(2), nil)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		`{"model":"m","test_name":"t","pass_index":1,"outcome":"CORRECT","duration":1.25}`+"\n"+
			`{"model":"m","test_name":"t","pass_index":2,"outcome":"2","duration":null}`+"\n",
		string(data),
	)
}

func TestJSONLStore_LoadsLegacyAndSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	content := `{"model":"gpt","testcase":"capital","passes":1,"result":"√","duration":2.0}
not json at all
{"model":"gpt","testcase":"capital","passes":2,"result":"X","duration":null}
{"model":"gpt","testcase":"haiku","result":3,"duration":4.5}
{"model":"gpt","testcase":"haiku","result":"?"}

{"model":"gpt","test_name":"capital","pass_index":3,"outcome":"RATE_LIMITED","duration":0.1}
{"model":"","test_name":"capital","pass_index":1,"outcome":"CORRECT"}
{"model":"gpt","test_name":"capital","pass_index":1,"outcome":"WHATEVER"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))
	ctx := context.Background()

	capital, err := s.Read(ctx, "gpt", "capital")
	require.NoError(t, err)
	require.Len(t, capital, 3)
	assert.Equal(t, outcome.Correct(), capital[0].Outcome)
	assert.Equal(t, resultstore.Float(2.0), capital[0].Duration)
	assert.Equal(t, outcome.Wrong(), capital[1].Outcome)
	assert.Nil(t, capital[1].Duration)
	assert.Equal(t, outcome.Fail(outcome.RateLimited), capital[2].Outcome)

	haiku, err := s.Read(ctx, "gpt", "haiku")
	require.NoError(t, err)
	require.Len(t, haiku, 2)
	assert.Equal(t, 1, haiku[0].PassIndex)
	assert.Equal(t, outcome.Graded(3), haiku[0].Outcome)
	assert.Equal(t, 2, haiku[1].PassIndex)
	assert.Equal(t, outcome.Unknown(), haiku[1].Outcome)
	assert.Nil(t, haiku[1].Duration)
}

func TestJSONLStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	ctx := context.Background()

	a := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))
	b := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	require.NoError(t, a.Append(ctx, rec("m1", "t", 1, outcome.Correct(), nil)))
	require.NoError(t, b.Append(ctx, rec("m2", "t", 1, outcome.Wrong(), nil)))
	require.NoError(t, a.Append(ctx, rec("m1", "t", 2, outcome.Correct(), nil)))

	reloaded := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	all, err := reloaded.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m1", all[0].Model)
	assert.Equal(t, "m2", all[1].Model)
	assert.Equal(t, 2, all[2].PassIndex)

	// Each store sees the other's writes without a restart.
	fromA, err := a.Read(ctx, "m2", "t")
	require.NoError(t, err)
	assert.Len(t, fromA, 1)

	one, err := b.ReadOne(ctx, "m1", "t", 2)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, outcome.Correct(), one.Outcome)

	require.NoError(t, b.Reset(ctx))

	all, err = a.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestJSONLStore_ConcurrentWritersOnSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	ctx := context.Background()

	stores := []resultstore.Store{
		startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil)),
		startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil)),
	}

	var wg sync.WaitGroup

	for i, s := range stores {
		wg.Add(1)

		go func(model string, s resultstore.Store) {
			defer wg.Done()

			for pass := 1; pass <= 10; pass++ {
				assert.NoError(t, s.Append(ctx, rec(model, "t", pass, outcome.Correct(), nil)))
			}
		}(fmt.Sprintf("m%d", i), s)
	}

	wg.Wait()

	reloaded := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	all, err := reloaded.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestJSONLStore_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "storage.jsonl")
	s := startStore(t, resultstore.NewJSONLStore(newTestLogger(), path, nil))

	all, err := s.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Append(context.Background(), rec("m", "t", 1, outcome.Correct(), nil)))
	assert.FileExists(t, path)
}

func TestJSONLStore_CancelledContext(t *testing.T) {
	s := backends()[0].open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Append(ctx, rec("m", "t", 1, outcome.Correct(), nil)), context.Canceled)
}
