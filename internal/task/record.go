package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjdasso/dfk/internal/future"
)

// AppFunc is the callable shape for a submitted app: positional args plus
// keyword args, returning a single value or an error.
type AppFunc func(args []any, kwargs map[string]any) (any, error)

// Record describes one submission. The identity fields (ID, Fn, FuncName,
// FnHash, Executor, Staging, Memoize) are fixed at submit time; Args and
// Kwargs are replaced by their resolved values at launch, and the status,
// retry bookkeeping, timestamps, memo and checkpoint markers, and futures
// change as the task runs. Records are never destroyed during a run.
type Record struct {
	// ID is dense and strictly increasing from zero within a run.
	ID int

	Fn       AppFunc
	FuncName string
	// FnHash, when supplied by the caller, is hashed alongside FuncName in
	// the memo fingerprint.
	FnHash string

	Args   []any
	Kwargs map[string]any

	// Depends holds exactly the futures found in args, kwargs, and the
	// reserved inputs list. Non-future arguments never appear here.
	Depends []future.Waitable

	// Executor is the label chosen at submit; it never changes, including
	// across retries.
	Executor string

	// Staging marks transfer tasks submitted by the data manager. They are
	// exempt from stage-out processing.
	Staging bool

	Memoize bool
	// Hashsum is the memo fingerprint, populated on the first memo probe.
	Hashsum string
	// Checkpointed is set once the record has been appended to the
	// checkpoint log, so it is written at most once across calls.
	Checkpointed bool

	FailCount   int
	FailHistory []error

	TimeSubmitted time.Time
	TimeReturned  time.Time

	ExecFu *future.Future
	AppFu  *future.AppFuture

	// MemoHit records that the latest completion was synthesized from the
	// memo table, so post-completion processing skips re-insertion.
	MemoHit atomic.Bool

	// launchLock guards the pending -> launched transition. Combined with
	// the status recheck it enforces the single-launch invariant.
	launchLock sync.Mutex

	statusMu sync.Mutex
	status   Status
}

// Status returns the current lifecycle status. Reads are permitted from
// callback threads; transitions are monotone toward terminal states.
func (r *Record) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

// LaunchLock exposes the per-task launch mutex to the launcher.
func (r *Record) LaunchLock() *sync.Mutex { return &r.launchLock }
