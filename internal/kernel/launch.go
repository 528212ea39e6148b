package kernel

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/monitoring"
	"github.com/tjdasso/dfk/internal/task"
)

// launchIfReady launches the task if every dependency is terminal and the
// task is still pending. It is safe to call redundantly and from any
// goroutine: callers that observe a not-ready or already-launched task
// fall through without effect. Every piece of the kernel that thinks a
// task may have become runnable calls it.
func (dfk *DataFlowKernel) launchIfReady(id int) {
	rec, ok := dfk.registry.Get(id)
	if !ok {
		dfk.logger.Error("launch requested for unknown task", "task_id", id)
		return
	}
	if countUnresolved(rec.Depends) > 0 {
		return
	}

	newArgs, newKwargs, depFailures := dfk.sanitizeAndWrap(rec)
	rec.Args = newArgs
	rec.Kwargs = newKwargs

	if len(depFailures) == 0 {
		var execFu *future.Future
		lock := rec.LaunchLock()
		lock.Lock()
		if rec.Status() == task.Pending {
			execFu = dfk.launchTask(rec)
		}
		lock.Unlock()

		if execFu != nil {
			rec.ExecFu = execFu
			if err := rec.AppFu.UpdateParent(execFu); err != nil {
				dfk.logger.Error("could not bind app future to execution future",
					"task_id", id, "error", err)
			}
		}
		return
	}

	// Dependency failures are terminal; they are never retried.
	if err := rec.Transition(task.Pending, task.DepFail); err != nil {
		// A concurrent callback got here first.
		return
	}
	dfk.logger.Info("task failed due to dependency failure", "task_id", id)
	metrics.IncrCounter([]string{"dfk", "tasks", "dep_fail"}, 1)
	rec.TimeReturned = time.Now()
	dfk.monitor.Send(monitoring.TaskInfo, dfk.taskLogInfo(rec, "lazy"))

	var causes *multierror.Error
	for _, err := range depFailures {
		causes = multierror.Append(causes, err)
	}

	fu := future.NewForTask(id)
	fu.SetRetriesLeft(0)
	rec.ExecFu = fu
	if err := rec.AppFu.UpdateParent(fu); err != nil {
		dfk.logger.Error("could not bind app future for dependency failure",
			"task_id", id, "error", err)
		return
	}
	_ = fu.SetError(&task.DependencyError{TaskID: id, Causes: causes})
}

// launchTask performs the single launch of a task: memo probe, executor
// submission, status transition, and completion callback installation.
// The caller holds the task's launch lock and has verified pending status,
// so launchTask runs at most once each time the task is pending: once per
// execution attempt.
func (dfk *DataFlowKernel) launchTask(rec *task.Record) *future.Future {
	rec.TimeSubmitted = time.Now()

	if hit, memoFu := dfk.memoizer.Check(rec); hit {
		dfk.logger.Info("reusing cached result", "task_id", rec.ID)
		rec.MemoHit.Store(true)
		if err := rec.Transition(task.Pending, task.Launched); err != nil {
			dfk.logger.Error("memo completion transition failed", "task_id", rec.ID, "error", err)
			return nil
		}
		dfk.handleExecUpdate(rec.ID, memoFu)
		return memoFu
	}

	executor, ok := dfk.executors[rec.Executor]
	if !ok {
		// The executor set is validated at submit; reaching this is an
		// internal inconsistency surfaced as a task failure.
		return dfk.failedLaunch(rec, fmt.Errorf("task %d requested unknown executor %q", rec.ID, rec.Executor))
	}

	dfk.submitterLock.Lock()
	execFu, err := executor.Submit(rec.Fn, rec.Args, rec.Kwargs)
	dfk.submitterLock.Unlock()
	if err != nil {
		return dfk.failedLaunch(rec, fmt.Errorf("submitting task %d to %s: %w", rec.ID, rec.Executor, err))
	}

	if err := rec.Transition(task.Pending, task.Launched); err != nil {
		dfk.logger.Error("launch transition failed", "task_id", rec.ID, "error", err)
		return execFu
	}
	dfk.monitor.Send(monitoring.TaskInfo, dfk.taskLogInfo(rec, ""))

	execFu.SetTaskID(rec.ID)
	execFu.SetRetriesLeft(dfk.retriesLeft(rec))
	dfk.logger.Info("task launched", "task_id", rec.ID, "executor", rec.Executor)

	execFu.AddDoneCallback(func(f *future.Future) {
		dfk.handleExecUpdate(rec.ID, f)
	})
	return execFu
}

// failedLaunch synthesizes a completed execution future for a submission
// that never reached the executor, and routes it through the normal
// completion handling so retry policy still applies.
func (dfk *DataFlowKernel) failedLaunch(rec *task.Record, err error) *future.Future {
	dfk.logger.Error("task launch failed", "task_id", rec.ID, "error", err)
	fu := future.NewForTask(rec.ID)
	if terr := rec.Transition(task.Pending, task.Launched); terr != nil {
		dfk.logger.Error("launch transition failed", "task_id", rec.ID, "error", terr)
		return nil
	}
	fu.SetRetriesLeft(dfk.retriesLeft(rec))
	fu.AddDoneCallback(func(f *future.Future) {
		dfk.handleExecUpdate(rec.ID, f)
	})
	_ = fu.SetError(err)
	return fu
}

// retriesLeft stamps how many attempts remain after the one being
// launched. Eager-error mode never retries.
func (dfk *DataFlowKernel) retriesLeft(rec *task.Record) int {
	if !dfk.cfg.LazyErrors {
		return 0
	}
	left := dfk.cfg.Retries - rec.FailCount
	if left < 0 {
		left = 0
	}
	return left
}
