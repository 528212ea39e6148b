package kernel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/tjdasso/dfk/internal/config"
	"github.com/tjdasso/dfk/internal/exec"
	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/staging"
	"github.com/tjdasso/dfk/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingExecutor runs apps inline on fresh goroutines and records how
// many submissions reached it, for memoization observability.
type countingExecutor struct {
	label       string
	submits     atomic.Int64
	outstanding atomic.Int64
	done        chan struct{}
}

func newCountingExecutor(label string) *countingExecutor {
	return &countingExecutor{label: label}
}

func (e *countingExecutor) Label() string { return e.label }

func (e *countingExecutor) Submit(fn task.AppFunc, args []any, kwargs map[string]any) (*future.Future, error) {
	e.submits.Add(1)
	e.outstanding.Add(1)
	fu := future.New()
	go func() {
		res, err := fn(args, kwargs)
		e.outstanding.Add(-1)
		if err != nil {
			_ = fu.SetError(err)
			return
		}
		_ = fu.SetResult(res)
	}()
	return fu, nil
}

func (e *countingExecutor) Outstanding() int { return int(e.outstanding.Load()) }

func (e *countingExecutor) Status() []exec.BlockStatus { return nil }

func (e *countingExecutor) Shutdown() error { return nil }

func testConfig(t *testing.T, executors ...exec.Executor) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Executors = executors
	cfg.RunDir = t.TempDir()
	cfg.Logger = hclog.NewNullLogger()
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config) *DataFlowKernel {
	t.Helper()
	dfk, err := New(cfg)
	must.NoError(t, err)
	t.Cleanup(func() {
		// Tests that exercise cleanup semantics call Cleanup themselves;
		// a second call is expected to error.
		_ = dfk.Cleanup()
	})
	return dfk
}

func addOne(args []any, kwargs map[string]any) (any, error) {
	return args[0].(int) + 1, nil
}

func double(args []any, kwargs map[string]any) (any, error) {
	return args[0].(int) * 2, nil
}

func resultInt(t *testing.T, fu *future.AppFuture) int {
	t.Helper()
	v, err := fu.Result()
	must.NoError(t, err)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	}
	t.Fatalf("unexpected result type %T", v)
	return 0
}

func TestKernel_LinearChain(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	a, err := dfk.Submit(addOne, []any{1}, nil)
	must.NoError(t, err)
	b, err := dfk.Submit(addOne, []any{a}, nil)
	must.NoError(t, err)
	c, err := dfk.Submit(addOne, []any{b}, nil)
	must.NoError(t, err)

	must.Eq(t, 4, resultInt(t, c))

	recA, _ := dfk.Registry().Get(a.TaskID())
	recB, _ := dfk.Registry().Get(b.TaskID())
	recC, _ := dfk.Registry().Get(c.TaskID())
	must.Eq(t, task.Done, recA.Status())
	must.Eq(t, task.Done, recB.Status())
	must.Eq(t, task.Done, recC.Status())

	// Launch order follows the dependency chain.
	must.False(t, recB.TimeSubmitted.Before(recA.TimeReturned))
	must.False(t, recC.TimeSubmitted.Before(recB.TimeReturned))
}

func TestKernel_DiamondRunsInParallel(t *testing.T) {
	pool, err := exec.NewPoolExecutor(exec.PoolConfig{
		Label:        "local",
		TasksPerNode: 4,
		Logger:       hclog.NewNullLogger(),
	})
	must.NoError(t, err)
	dfk := newTestKernel(t, testConfig(t, pool))

	const step = 200 * time.Millisecond
	slow := func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(step)
		return 1, nil
	}
	join := func(args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}

	start := time.Now()
	a, err := dfk.Submit(slow, nil, nil)
	must.NoError(t, err)
	b, err := dfk.Submit(func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(step)
		return args[0].(int) + 1, nil
	}, []any{a}, nil)
	must.NoError(t, err)
	c, err := dfk.Submit(func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(step)
		return args[0].(int) + 2, nil
	}, []any{a}, nil)
	must.NoError(t, err)
	d, err := dfk.Submit(join, []any{b, c}, nil)
	must.NoError(t, err)

	must.Eq(t, 5, resultInt(t, d))

	// b and c ran concurrently: two sequential stages, not three.
	elapsed := time.Since(start)
	must.Less(t, 3*step-step/4, elapsed,
		must.Sprintf("diamond took %v; expected parallel execution of the middle stage", elapsed))

	must.NoError(t, pool.Shutdown())
}

func TestKernel_DependencyFailurePropagates(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	boom := errors.New("boom")
	a, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		return nil, boom
	}, nil, nil)
	must.NoError(t, err)
	b, err := dfk.Submit(addOne, []any{a}, nil)
	must.NoError(t, err)

	bErr := b.Err()
	var depErr *task.DependencyError
	must.True(t, errors.As(bErr, &depErr))
	must.Eq(t, b.TaskID(), depErr.TaskID)
	must.True(t, errors.Is(bErr, boom))

	recA, _ := dfk.Registry().Get(a.TaskID())
	recB, _ := dfk.Registry().Get(b.TaskID())
	must.Eq(t, task.Failed, recA.Status())
	must.Eq(t, task.DepFail, recB.Status())
}

func TestKernel_TransitiveDependencyFailure(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	a, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		return nil, errors.New("root failure")
	}, nil, nil)
	must.NoError(t, err)
	b, err := dfk.Submit(addOne, []any{a}, nil)
	must.NoError(t, err)
	c, err := dfk.Submit(addOne, []any{b}, nil)
	must.NoError(t, err)

	var depErr *task.DependencyError
	must.True(t, errors.As(c.Err(), &depErr))
	must.Eq(t, c.TaskID(), depErr.TaskID)

	recC, _ := dfk.Registry().Get(c.TaskID())
	must.Eq(t, task.DepFail, recC.Status())
}

func TestKernel_RetryThenSucceed(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	cfg.Retries = 2
	cfg.LazyErrors = true
	dfk := newTestKernel(t, cfg)

	var attempts atomic.Int64
	flaky := func([]any, map[string]any) (any, error) {
		if attempts.Add(1) <= 2 {
			return nil, fmt.Errorf("transient failure %d", attempts.Load())
		}
		return 42, nil
	}

	fu, err := dfk.Submit(flaky, nil, nil)
	must.NoError(t, err)
	must.Eq(t, 42, resultInt(t, fu))

	rec, _ := dfk.Registry().Get(fu.TaskID())
	must.Eq(t, task.Done, rec.Status())
	must.Eq(t, 2, rec.FailCount)
	must.Len(t, 2, rec.FailHistory)
	must.Eq(t, int64(3), ce.submits.Load())
}

func TestKernel_RetriesExhausted(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	cfg.Retries = 1
	cfg.LazyErrors = true
	dfk := newTestKernel(t, cfg)

	fu, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		return nil, errors.New("always broken")
	}, nil, nil)
	must.NoError(t, err)
	must.Error(t, fu.Err())

	rec, _ := dfk.Registry().Get(fu.TaskID())
	must.Eq(t, task.Failed, rec.Status())
	must.Eq(t, 2, rec.FailCount)
	must.Eq(t, int64(2), ce.submits.Load())
}

func TestKernel_EagerErrorsSkipRetries(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	cfg.Retries = 2
	cfg.LazyErrors = false
	dfk := newTestKernel(t, cfg)

	fu, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		return nil, errors.New("fatal")
	}, nil, nil)
	must.NoError(t, err)
	must.Error(t, fu.Err())

	rec, _ := dfk.Registry().Get(fu.TaskID())
	must.Eq(t, task.Failed, rec.Status())
	must.Eq(t, 1, rec.FailCount)
	must.Eq(t, int64(1), ce.submits.Load())
}

func TestKernel_RemoteExceptionUnwrapped(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	cause := errors.New("remote boom")
	fu, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		return &future.RemoteException{Cause: cause}, nil
	}, nil, nil)
	must.NoError(t, err)
	must.ErrorIs(t, fu.Err(), cause)

	rec, _ := dfk.Registry().Get(fu.TaskID())
	must.Eq(t, task.Failed, rec.Status())
}

func TestKernel_MemoizationHit(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	cfg.AppCache = true
	dfk := newTestKernel(t, cfg)

	first, err := dfk.Submit(double, []any{21}, nil, WithCache(true))
	must.NoError(t, err)
	must.Eq(t, 42, resultInt(t, first))
	must.Eq(t, int64(1), ce.submits.Load())

	second, err := dfk.Submit(double, []any{21}, nil, WithCache(true))
	must.NoError(t, err)
	must.Eq(t, 42, resultInt(t, second))

	// The cached completion never touched the executor.
	must.Eq(t, int64(1), ce.submits.Load())

	rec, _ := dfk.Registry().Get(second.TaskID())
	must.Eq(t, task.Done, rec.Status())
	must.True(t, rec.MemoHit.Load())
}

func TestKernel_MemoizationRespectsOptOut(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	first, err := dfk.Submit(double, []any{5}, nil)
	must.NoError(t, err)
	must.Eq(t, 10, resultInt(t, first))

	second, err := dfk.Submit(double, []any{5}, nil)
	must.NoError(t, err)
	must.Eq(t, 10, resultInt(t, second))

	must.Eq(t, int64(2), ce.submits.Load())
}

func TestKernel_CheckpointSurvivesRestart(t *testing.T) {
	ce1 := newCountingExecutor("local")
	cfg1 := testConfig(t, ce1)
	cfg1.CheckpointMode = config.CheckpointManual
	dfk1, err := New(cfg1)
	must.NoError(t, err)

	first, err := dfk1.Submit(double, []any{7}, nil, WithCache(true))
	must.NoError(t, err)
	must.Eq(t, 14, resultInt(t, first))

	_, err = dfk1.Checkpoint(nil)
	must.NoError(t, err)
	runDir := dfk1.RunDir()
	must.NoError(t, dfk1.Cleanup())

	ce2 := newCountingExecutor("local")
	cfg2 := testConfig(t, ce2)
	cfg2.CheckpointFiles = []string{runDir}
	dfk2, err := New(cfg2)
	must.NoError(t, err)
	defer func() { must.NoError(t, dfk2.Cleanup()) }()

	replay, err := dfk2.Submit(double, []any{7}, nil, WithCache(true))
	must.NoError(t, err)
	must.Eq(t, 14, resultInt(t, replay))
	must.Eq(t, int64(0), ce2.submits.Load())
}

func TestKernel_BadCheckpointFilesFailConstruction(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	cfg.CheckpointFiles = []string{t.TempDir()}
	_, err := New(cfg)
	must.Error(t, err)
}

func TestKernel_InputsListDependencies(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	a, err := dfk.Submit(double, []any{3}, nil)
	must.NoError(t, err)

	sum, err := dfk.Submit(func(args []any, kwargs map[string]any) (any, error) {
		total := 0
		for _, v := range kwargs["inputs"].([]any) {
			total += v.(int)
		}
		return total, nil
	}, nil, map[string]any{"inputs": []any{a, 4}})
	must.NoError(t, err)

	must.Eq(t, 10, resultInt(t, sum))
}

func TestKernel_KwargDependencies(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	a, err := dfk.Submit(double, []any{4}, nil)
	must.NoError(t, err)

	fu, err := dfk.Submit(func(args []any, kwargs map[string]any) (any, error) {
		return kwargs["x"].(int) + 1, nil
	}, nil, map[string]any{"x": a})
	must.NoError(t, err)

	must.Eq(t, 9, resultInt(t, fu))
}

func TestKernel_LocalOutputFutures(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	out := staging.NewFile(t.TempDir() + "/result.txt")
	fu, err := dfk.Submit(func(args []any, kwargs map[string]any) (any, error) {
		return "wrote", nil
	}, nil, map[string]any{"outputs": []any{out}})
	must.NoError(t, err)

	must.Len(t, 1, fu.Outputs())
	df := fu.Outputs()[0]

	_, err = fu.Result()
	must.NoError(t, err)

	v, err := df.Result()
	must.NoError(t, err)
	must.Eq(t, out, v.(*staging.File))
}

func TestKernel_UnknownExecutorRejected(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	_, err := dfk.Submit(double, []any{1}, nil, WithExecutors("nope"))
	must.Error(t, err)

	_, err = dfk.Submit(double, []any{1}, nil, WithExecutors(staging.Label))
	must.Error(t, err)
}

func TestKernel_CleanupTwiceIsError(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	dfk, err := New(cfg)
	must.NoError(t, err)

	must.NoError(t, dfk.Cleanup())
	must.Error(t, dfk.Cleanup())
}

func TestKernel_CleanupWaitsForTasks(t *testing.T) {
	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	dfk, err := New(cfg)
	must.NoError(t, err)

	release := make(chan struct{})
	fu, err := dfk.Submit(func([]any, map[string]any) (any, error) {
		<-release
		return "done", nil
	}, nil, nil)
	must.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	must.NoError(t, dfk.Cleanup())

	// Cleanup only returns once every app future is terminal.
	must.True(t, fu.Done())
}

func TestKernel_TaskIDsAreDense(t *testing.T) {
	ce := newCountingExecutor("local")
	dfk := newTestKernel(t, testConfig(t, ce))

	for want := 0; want < 4; want++ {
		fu, err := dfk.Submit(double, []any{want}, nil)
		must.NoError(t, err)
		must.Eq(t, want, fu.TaskID())
	}
}

func TestKernel_ManagedPoolLifecycle(t *testing.T) {
	pool, err := exec.NewPoolExecutor(exec.PoolConfig{
		Label:        "local",
		TasksPerNode: 2,
		Managed:      true,
		Scaling:      true,
		Provider:     &exec.Provider{MinBlocks: 0, MaxBlocks: 2, InitBlocks: 1, NodesPerBlock: 1, Parallelism: 1},
		Logger:       hclog.NewNullLogger(),
	})
	must.NoError(t, err)

	cfg := testConfig(t, pool)
	cfg.StrategyInterval = 10 * time.Millisecond
	dfk, err := New(cfg)
	must.NoError(t, err)

	fu, err := dfk.Submit(double, []any{8}, nil)
	must.NoError(t, err)
	must.Eq(t, 16, resultInt(t, fu))

	// Cleanup scales the managed pool in and shuts it down.
	must.NoError(t, dfk.Cleanup())
	_, err = pool.Submit(double, []any{1}, nil)
	must.Error(t, err)
}

func TestLoader_LoadClearCurrent(t *testing.T) {
	Clear()

	ce := newCountingExecutor("local")
	cfg := testConfig(t, ce)
	dfk, err := Load(cfg)
	must.NoError(t, err)
	defer func() {
		must.NoError(t, dfk.Cleanup())
		Clear()
	}()

	got, err := Current()
	must.NoError(t, err)
	must.Eq(t, dfk, got)

	_, err = Load(cfg)
	must.ErrorIs(t, err, ErrAlreadyLoaded)

	Clear()
	_, err = Current()
	must.ErrorIs(t, err, ErrNotLoaded)

	dfk2, err := Load(testConfig(t, newCountingExecutor("local")))
	must.NoError(t, err)
	must.NoError(t, dfk2.Cleanup())
	Clear()
}
