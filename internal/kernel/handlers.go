package kernel

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/tjdasso/dfk/internal/config"
	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/monitoring"
	"github.com/tjdasso/dfk/internal/staging"
	"github.com/tjdasso/dfk/internal/task"
)

// handleExecUpdate is invoked when an execution attempt reaches a final
// state. It applies the terminal-state update and the retry policy, and
// re-arms the task when another attempt is due.
func (dfk *DataFlowKernel) handleExecUpdate(id int, fu *future.Future) {
	rec, ok := dfk.registry.Get(id)
	if !ok {
		dfk.logger.Error("execution update for unknown task", "task_id", id)
		return
	}

	res, err, done := fu.Peek()
	if !done {
		dfk.logger.Error("execution update before future completion", "task_id", id)
		return
	}
	if err == nil {
		if rw, isRemote := res.(*future.RemoteException); isRemote {
			err = rw.Reraise()
		}
	}

	failMode := "lazy"
	if err != nil {
		dfk.logger.Error("task failed", "task_id", id, "error", err)

		// History is kept on the record because the attempt future is
		// replaced on retry.
		rec.FailHistory = append(rec.FailHistory, err)
		rec.FailCount++

		switch {
		case !dfk.cfg.LazyErrors:
			dfk.logger.Debug("eager fail, skipping retry logic", "task_id", id)
			failMode = "eager"
			if terr := rec.Transition(task.Launched, task.Failed); terr != nil {
				dfk.logger.Error("fail transition rejected", "task_id", id, "error", terr)
			}
			rec.TimeReturned = time.Now()
			dfk.monitor.Send(monitoring.TaskInfo, dfk.taskLogInfo(rec, failMode))
			return

		case rec.FailCount <= dfk.cfg.Retries:
			if terr := rec.Transition(task.Launched, task.Pending); terr != nil {
				dfk.logger.Error("retry transition rejected", "task_id", id, "error", terr)
			} else {
				dfk.logger.Debug("task marked for retry", "task_id", id, "fail_count", rec.FailCount)
			}

		default:
			dfk.logger.Info("task failed after retries",
				"task_id", id, "retries", dfk.cfg.Retries)
			if terr := rec.Transition(task.Launched, task.Failed); terr != nil {
				dfk.logger.Error("fail transition rejected", "task_id", id, "error", terr)
			}
			dfk.tasksFailed.Add(1)
			metrics.IncrCounter([]string{"dfk", "tasks", "failed"}, 1)
			rec.TimeReturned = time.Now()
		}
	} else {
		if terr := rec.Transition(task.Launched, task.Done); terr != nil {
			dfk.logger.Error("completion transition rejected", "task_id", id, "error", terr)
		}
		dfk.tasksCompleted.Add(1)
		metrics.IncrCounter([]string{"dfk", "tasks", "completed"}, 1)
		rec.TimeReturned = time.Now()
		dfk.logger.Info("task completed", "task_id", id)
	}

	dfk.monitor.Send(monitoring.TaskInfo, dfk.taskLogInfo(rec, failMode))

	// A retry returns the task to pending; relaunch on a fresh goroutine
	// so an inline completion callback cannot re-enter the launch lock.
	if rec.Status() == task.Pending {
		go dfk.launchIfReady(id)
	}
}

// handleAppUpdate runs once the app future is terminal. It records the
// result in the memo table, triggers a task-exit checkpoint when
// configured, and stages out remote output files. memoCbk marks a
// completion synthesized from a memo hit, which must not re-enter the
// memo table or the checkpoint log.
func (dfk *DataFlowKernel) handleAppUpdate(id int, memoCbk bool) {
	rec, ok := dfk.registry.Get(id)
	if !ok {
		dfk.logger.Error("app update for unknown task", "task_id", id)
		return
	}
	appFu := rec.AppFu
	if !appFu.Done() {
		dfk.logger.Error("internal consistency error: app future not done in app update", "task_id", id)
		return
	}

	if !memoCbk {
		dfk.memoizer.Update(rec, appFu.Future)
		if dfk.cfg.CheckpointMode == config.CheckpointTaskExit {
			if _, err := dfk.Checkpoint([]int{id}); err != nil {
				dfk.logger.Error("task-exit checkpoint failed", "task_id", id, "error", err)
			}
		}
	}

	// Stage out remote outputs. Transfer tasks themselves are exempt, as
	// is anything already running on the staging executor.
	_, appErr, _ := appFu.Peek()
	if appErr != nil || rec.Staging || rec.Executor == staging.Label {
		return
	}
	for _, dfu := range appFu.Outputs() {
		f, isFile := dfu.File().(*staging.File)
		if !isFile || !f.Remote() {
			continue
		}
		if _, err := dfk.dataManager.StageOut(f, rec.Executor); err != nil {
			dfk.logger.Error("stage-out submission failed",
				"task_id", id, "file", f.String(), "error", err)
		}
	}
}
