package kernel

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/tjdasso/dfk/internal/config"
	"github.com/tjdasso/dfk/internal/exec"
	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/memo"
	"github.com/tjdasso/dfk/internal/monitoring"
	"github.com/tjdasso/dfk/internal/staging"
	"github.com/tjdasso/dfk/internal/strategy"
	"github.com/tjdasso/dfk/internal/task"
)

// DataFlowKernel adds dependency awareness to a set of executors: tasks
// move from pending to launched as their input futures resolve, results
// and failures propagate through app futures, and a strategy loop sizes
// each executor to the observed load.
type DataFlowKernel struct {
	logger hclog.Logger
	cfg    *config.Config

	runDir    string
	runID     string
	timeBegan time.Time

	registry     *task.Registry
	memoizer     *memo.Memoizer
	checkpointer *memo.Checkpointer
	controller   *strategy.Controller
	dataManager  *staging.DataManager
	monitor      *monitoring.Emitter

	executors  map[string]exec.Executor
	userLabels []string

	checkpointTimer *strategy.Timer

	// submitterLock serializes executor submission; not every executor
	// implementation is re-entrancy safe.
	submitterLock sync.Mutex

	logFile *os.File

	mu            sync.Mutex
	cleanupCalled bool

	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
}

// New constructs and starts a kernel from cfg: makes the run directory,
// reloads checkpoints into the memo table, starts the staging executor and
// every configured executor, and arms the checkpoint and strategy timers.
func New(cfg *config.Config) (*DataFlowKernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runDir, err := makeRunDir(cfg.RunDir)
	if err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	dfk := &DataFlowKernel{
		cfg:       cfg,
		runDir:    runDir,
		timeBegan: time.Now(),
		registry:  task.NewRegistry(),
		executors: make(map[string]exec.Executor),
	}

	if cfg.Logger != nil {
		dfk.logger = cfg.Logger.Named("dfk")
	} else {
		f, err := os.OpenFile(filepath.Join(runDir, "log.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening run log: %w", err)
		}
		dfk.logFile = f
		dfk.logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dfk",
			Level:  hclog.Debug,
			Output: f,
		})
	}

	dfk.runID, err = uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}
	dfk.logger.Info("starting dataflow kernel", "run_id", dfk.runID, "run_dir", runDir)

	dfk.monitor = monitoring.NewEmitter(dfk.logger, cfg.Monitoring)

	var seed map[string]*future.Future
	if len(cfg.CheckpointFiles) > 0 {
		seed, err = memo.Load(dfk.logger, cfg.CheckpointFiles)
		if err != nil {
			return nil, err
		}
	}
	dfk.memoizer = memo.NewMemoizer(dfk.logger, cfg.AppCache, seed)
	dfk.checkpointer = memo.NewCheckpointer(dfk.logger, runDir)

	dfk.dataManager, err = staging.NewDataManager(dfk.logger, cfg.DataManagementMaxThreads)
	if err != nil {
		return nil, fmt.Errorf("building data manager: %w", err)
	}
	dfk.dataManager.SetSubmitter(dfk)

	for _, e := range cfg.Executors {
		dfk.executors[e.Label()] = e
		dfk.userLabels = append(dfk.userLabels, e.Label())
	}
	dfk.executors[staging.Label] = dfk.dataManager

	for _, e := range dfk.executors {
		if s, ok := e.(exec.Starter); ok {
			if err := s.Start(); err != nil {
				return nil, fmt.Errorf("starting executor %s: %w", e.Label(), err)
			}
		}
	}

	if cfg.CheckpointMode == config.CheckpointPeriodic {
		period, perr := memo.ParsePeriod(cfg.CheckpointPeriod)
		if perr != nil {
			dfk.logger.Warn("invalid checkpoint period; falling back",
				"configured", cfg.CheckpointPeriod, "fallback", memo.DefaultCheckpointPeriod, "error", perr)
			period = memo.DefaultCheckpointPeriod
		}
		dfk.checkpointTimer = strategy.NewTimer(func() {
			if _, err := dfk.Checkpoint(nil); err != nil {
				dfk.logger.Error("periodic checkpoint failed", "error", err)
			}
		}, period)
	}

	if dfk.anyManaged() {
		all := make([]exec.Executor, 0, len(dfk.executors))
		for _, e := range dfk.executors {
			all = append(all, e)
		}
		dfk.controller = strategy.NewController(dfk.logger, all, cfg.Strategy, cfg.MaxIdleTime)
		dfk.controller.Start(cfg.StrategyInterval)
	}

	dfk.monitor.Send(monitoring.WorkflowInfo, dfk.workflowInfo(false))
	return dfk, nil
}

func (dfk *DataFlowKernel) anyManaged() bool {
	for _, e := range dfk.cfg.Executors {
		if m, ok := e.(exec.ManagedExecutor); ok && m.Managed() {
			return true
		}
	}
	return false
}

// RunDir returns this run's directory.
func (dfk *DataFlowKernel) RunDir() string { return dfk.runDir }

// RunID returns this run's unique id.
func (dfk *DataFlowKernel) RunID() string { return dfk.runID }

// Registry exposes the task registry for observers.
func (dfk *DataFlowKernel) Registry() *task.Registry { return dfk.registry }

// Checkpoint appends not-yet-checkpointed successful memoizable tasks to
// the run's checkpoint log and returns the checkpoint directory. A nil ids
// slice checkpoints every task.
func (dfk *DataFlowKernel) Checkpoint(ids []int) (string, error) {
	if _, err := dfk.checkpointer.Checkpoint(dfk.registry, dfk.memoizer, ids); err != nil {
		return "", err
	}
	return dfk.checkpointer.Dir(), nil
}

// WaitForCurrentTasks blocks until every app future submitted so far is
// terminal. Tasks submitted while waiting (such as stage-outs) are picked
// up by the id sweep.
func (dfk *DataFlowKernel) WaitForCurrentTasks() {
	dfk.logger.Info("waiting for all remaining tasks to complete")
	for id := 0; id < dfk.registry.Count(); id++ {
		rec, ok := dfk.registry.Get(id)
		if !ok || rec.AppFu == nil {
			continue
		}
		if !rec.AppFu.Done() {
			dfk.logger.Debug("waiting for task", "task_id", id)
			_ = rec.AppFu.Err()
		}
	}
	dfk.logger.Info("all remaining tasks completed")
}

// Cleanup shuts the kernel down: waits for outstanding app futures, writes
// a final checkpoint when configured, stops the timers, and shuts down
// every managed executor. A second call is an error.
func (dfk *DataFlowKernel) Cleanup() error {
	dfk.mu.Lock()
	if dfk.cleanupCalled {
		dfk.mu.Unlock()
		return fmt.Errorf("kernel cleanup has already run")
	}
	dfk.cleanupCalled = true
	dfk.mu.Unlock()

	dfk.logger.Info("kernel cleanup initiated")
	dfk.WaitForCurrentTasks()
	dfk.logTaskStates()

	if dfk.cfg.CheckpointMode != config.CheckpointOff {
		if _, err := dfk.Checkpoint(nil); err != nil {
			dfk.logger.Error("final checkpoint failed", "error", err)
		}
		if dfk.checkpointTimer != nil {
			dfk.logger.Info("stopping checkpoint timer")
			dfk.checkpointTimer.Stop()
		}
	}

	if dfk.controller != nil {
		dfk.logger.Info("stopping strategy controller")
		dfk.controller.Stop()
	}

	var merr *multierror.Error
	for _, e := range dfk.executors {
		m, ok := e.(exec.ManagedExecutor)
		if !ok || !m.Managed() {
			continue
		}
		if sc, ok := e.(exec.Scalable); ok && sc.ScalingEnabled() {
			active := 0
			for _, bs := range e.Status() {
				if bs.State.Active() {
					active++
				}
			}
			if active > 0 {
				if err := sc.ScaleIn(active); err != nil {
					merr = multierror.Append(merr, fmt.Errorf("scaling in %s: %w", e.Label(), err))
				}
			}
		}
		if err := e.Shutdown(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("shutting down %s: %w", e.Label(), err))
		}
	}

	dfk.monitor.Send(monitoring.WorkflowInfo, dfk.workflowInfo(true))
	dfk.monitor.Close()

	dfk.logger.Info("kernel cleanup complete")
	if dfk.logFile != nil {
		_ = dfk.logFile.Close()
	}
	return merr.ErrorOrNil()
}

// logTaskStates writes the per-status task summary into the run log.
func (dfk *DataFlowKernel) logTaskStates() {
	counts := dfk.registry.CountByStatus()
	dfk.logger.Info("task state summary",
		"total", dfk.registry.Len(),
		"pending", counts[task.Pending],
		"launched", counts[task.Launched],
		"done", counts[task.Done],
		"failed", counts[task.Failed],
		"dep_fail", counts[task.DepFail],
	)
}

func (dfk *DataFlowKernel) workflowInfo(final bool) map[string]any {
	info := map[string]any{
		"run_id":                dfk.runID,
		"rundir":                dfk.runDir,
		"time_began":            dfk.timeBegan,
		"tasks_completed_count": dfk.tasksCompleted.Load(),
		"tasks_failed_count":    dfk.tasksFailed.Load(),
	}
	if host, err := os.Hostname(); err == nil {
		info["host"] = host
	}
	if u, err := user.Current(); err == nil {
		info["user"] = u.Username
	}
	if final {
		now := time.Now()
		info["time_completed"] = now
		info["completion_time"] = now.Sub(dfk.timeBegan).Seconds()
	}
	return info
}

// taskLogInfo builds the flat monitoring record for one task.
func (dfk *DataFlowKernel) taskLogInfo(rec *task.Record, failMode string) map[string]any {
	failHistory := make([]string, 0, len(rec.FailHistory))
	for _, err := range rec.FailHistory {
		failHistory = append(failHistory, err.Error())
	}
	info := map[string]any{
		"task_id":               rec.ID,
		"task_func_name":        rec.FuncName,
		"task_fn_hash":          rec.FnHash,
		"task_memoize":          rec.Memoize,
		"task_executor":         rec.Executor,
		"task_status_name":      rec.Status().String(),
		"task_fail_count":       rec.FailCount,
		"task_fail_history":     failHistory,
		"task_time_submitted":   rec.TimeSubmitted,
		"task_time_returned":    rec.TimeReturned,
		"run_id":                dfk.runID,
		"timestamp":             time.Now(),
		"tasks_completed_count": dfk.tasksCompleted.Load(),
		"tasks_failed_count":    dfk.tasksFailed.Load(),
	}
	if failMode != "" {
		info["task_fail_mode"] = failMode
	}
	if !rec.TimeReturned.IsZero() && !rec.TimeSubmitted.IsZero() {
		info["task_elapsed_time"] = rec.TimeReturned.Sub(rec.TimeSubmitted).Seconds()
	}
	return info
}
