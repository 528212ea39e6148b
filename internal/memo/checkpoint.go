package memo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/go-set/v3"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

const (
	checkpointDirName = "checkpoint"
	tasksLogName      = "tasks.log"
	kernelStateName   = "kernel.state"
)

var msgpackHandle = &codec.MsgpackHandle{}

// BadCheckpointError reports a checkpoint directory that is missing,
// unreadable, or structurally invalid.
type BadCheckpointError struct {
	Reason string
}

func (e *BadCheckpointError) Error() string { return "bad checkpoint: " + e.Reason }

// CheckpointedError reconstitutes a failure recorded in a checkpoint log.
// Error identity does not survive serialization, only the message does.
type CheckpointedError struct {
	Msg string
}

func (e *CheckpointedError) Error() string { return e.Msg }

// checkpointRecord is one append in tasks.log. Exactly one of Result and
// Err is meaningful; Failed disambiguates.
type checkpointRecord struct {
	Hash   string
	Failed bool
	Err    string
	Result any
}

// kernelState is the run metadata rewritten on every checkpoint.
type kernelState struct {
	RunDir    string
	TaskCount int
	Timestamp time.Time
}

// Checkpointer appends memoizable terminal results to an append-only log
// under the run directory. Concurrent periodic, manual, and task-exit
// checkpoint calls are serialized by its lock.
type Checkpointer struct {
	logger hclog.Logger
	runDir string

	mu           sync.Mutex
	checkpointed *set.Set[int]
	total        int
}

// NewCheckpointer builds a checkpointer rooted at the given run directory.
func NewCheckpointer(logger hclog.Logger, runDir string) *Checkpointer {
	return &Checkpointer{
		logger:       logger.Named("checkpoint"),
		runDir:       runDir,
		checkpointed: set.New[int](8),
	}
}

// Dir returns the checkpoint directory for this run.
func (c *Checkpointer) Dir() string {
	return filepath.Join(c.runDir, checkpointDirName)
}

// Checkpoint rewrites kernel.state, then appends every not-yet-checkpointed,
// memoizable, successfully completed task among ids (or all of reg when ids
// is nil) to tasks.log. Each append is fsynced before the task is marked
// checkpointed. Returns the number of records written.
func (c *Checkpointer) Checkpoint(reg *task.Registry, m *Memoizer, ids []int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	if err := c.writeKernelState(reg); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(filepath.Join(dir, tasksLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer f.Close()

	queue := ids
	if queue == nil {
		reg.ForEach(func(rec *task.Record) bool {
			queue = append(queue, rec.ID)
			return true
		})
	}

	count := 0
	for _, id := range queue {
		rec, ok := reg.Get(id)
		if !ok {
			continue
		}
		if !rec.Memoize || rec.Checkpointed || c.checkpointed.Contains(id) {
			continue
		}
		if rec.AppFu == nil {
			continue
		}
		_, appErr, appDone := rec.AppFu.Peek()
		if !appDone {
			continue
		}
		if appErr != nil {
			// Failures are never cached, so replaying them would be wrong.
			continue
		}
		if rec.Hashsum == "" {
			continue
		}

		fu := m.Lookup(rec.Hashsum)
		if fu == nil {
			continue
		}
		result, ferr, fuDone := fu.Peek()
		if !fuDone {
			continue
		}
		entry := checkpointRecord{Hash: rec.Hashsum, Result: result}
		if ferr != nil {
			entry = checkpointRecord{Hash: rec.Hashsum, Failed: true, Err: ferr.Error()}
		}

		if err := codec.NewEncoder(f, msgpackHandle).Encode(&entry); err != nil {
			return count, fmt.Errorf("appending checkpoint record for task %d: %w", id, err)
		}
		if err := f.Sync(); err != nil {
			return count, fmt.Errorf("syncing checkpoint log: %w", err)
		}

		rec.Checkpointed = true
		c.checkpointed.Insert(id)
		count++
		c.logger.Debug("task checkpointed", "task_id", id, "hashsum", rec.Hashsum)
	}

	c.total += count
	if count == 0 {
		if c.total == 0 {
			c.logger.Warn("no tasks checkpointed so far in this run; ensure caching is enabled")
		} else {
			c.logger.Debug("no tasks checkpointed in this pass")
		}
	} else {
		c.logger.Info("checkpointing pass complete", "count", count)
		metrics.IncrCounter([]string{"dfk", "checkpoint", "written"}, float32(count))
	}
	return count, nil
}

func (c *Checkpointer) writeKernelState(reg *task.Registry) error {
	state := kernelState{
		RunDir:    c.runDir,
		TaskCount: reg.Count(),
		Timestamp: time.Now(),
	}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(&state); err != nil {
		return fmt.Errorf("encoding kernel state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(c.Dir(), kernelStateName), buf, 0o644); err != nil {
		return fmt.Errorf("writing kernel state: %w", err)
	}
	return nil
}

// Load reads the tasks.log of each prior run directory and reconstitutes
// the records into a fingerprint -> completed future table. A truncated
// final record is treated as end-of-log; a missing log is a hard error.
func Load(logger hclog.Logger, dirs []string) (map[string]*future.Future, error) {
	table := make(map[string]*future.Future)
	logger = logger.Named("checkpoint")

	for _, dir := range dirs {
		path := filepath.Join(dir, checkpointDirName, tasksLogName)
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &BadCheckpointError{Reason: "checkpoint log not found: " + path}
			}
			return nil, &BadCheckpointError{Reason: fmt.Sprintf("opening %s: %v", path, err)}
		}

		dec := codec.NewDecoder(f, msgpackHandle)
		loaded := 0
		for {
			var entry checkpointRecord
			if err := dec.Decode(&entry); err != nil {
				if !errors.Is(err, io.EOF) {
					// A partial trailing write from a crashed run; everything
					// before it is intact.
					logger.Warn("truncated checkpoint record; treating as end of log", "path", path, "error", err)
				}
				break
			}
			fu := future.New()
			if entry.Failed {
				_ = fu.SetError(&CheckpointedError{Msg: entry.Err})
			} else {
				_ = fu.SetResult(entry.Result)
			}
			table[entry.Hash] = fu
			loaded++
		}
		_ = f.Close()
		logger.Info("checkpoint loaded", "path", path, "records", loaded)
	}
	return table, nil
}

// writeFileAtomic writes data via a temp file and rename so a crash cannot
// leave a torn kernel.state behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
