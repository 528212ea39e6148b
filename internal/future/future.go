package future

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrAlreadySet is returned on a second completion attempt; the first
	// writer wins.
	ErrAlreadySet = errors.New("future already completed")
)

// Callback is invoked exactly once after the future completes. Callbacks
// added after completion run inline on the caller's goroutine.
type Callback func(f *Future)

// Future is a single-assignment result cell. It holds either a value or an
// error, never both, and never changes once set.
//
// All methods are safe for concurrent use. Result and Err block until the
// future completes.
type Future struct {
	mu        sync.Mutex
	completed bool
	value     any
	err       error
	callbacks []Callback
	done      chan struct{}

	// tid links the future back to the task that produces it, or -1 for
	// futures not owned by any task.
	tid int

	// retriesLeft is stamped by the launcher on execution futures so that
	// observers (and the AppFuture mirror) can tell whether a failed
	// attempt will be retried.
	retriesLeft int

	logger hclog.Logger
}

// New returns an incomplete future not associated with any task.
func New() *Future {
	return &Future{
		done:   make(chan struct{}),
		tid:    -1,
		logger: hclog.L().Named("future"),
	}
}

// NewForTask returns an incomplete future linked to the given task id.
func NewForTask(tid int) *Future {
	f := New()
	f.tid = tid
	return f
}

// TaskID returns the id of the task that produces this future, or -1.
func (f *Future) TaskID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tid
}

// SetTaskID links the future to a task id.
func (f *Future) SetTaskID(tid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tid = tid
}

// RetriesLeft reports how many retry attempts remain after this one.
func (f *Future) RetriesLeft() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retriesLeft
}

// SetRetriesLeft is called by the launcher before installing callbacks.
func (f *Future) SetRetriesLeft(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retriesLeft = n
}

// Done reports whether the future has completed. It is true while
// completion callbacks are still running; blocking accessors only return
// once every callback has finished.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// SetResult completes the future with a value. A second completion of any
// kind returns ErrAlreadySet.
func (f *Future) SetResult(v any) error {
	return f.complete(v, nil)
}

// SetError completes the future with an error.
func (f *Future) SetError(err error) error {
	return f.complete(nil, err)
}

// complete performs the one-shot assignment. Callbacks run before the
// done channel opens, so anything a callback publishes (memo entries,
// checkpoint appends) is visible to every goroutine unblocked by Result.
// Callbacks must therefore use Peek, never Result or Err, on the future
// they were added to.
func (f *Future) complete(v any, err error) error {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return ErrAlreadySet
	}
	f.completed = true
	f.value = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range cbs {
		f.fire(cb)
	}
	close(f.done)
	return nil
}

// fire runs a callback, absorbing panics so that a misbehaving callback
// cannot corrupt kernel state.
func (f *Future) fire(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("future callback panicked", "task_id", f.tid, "panic", r)
		}
	}()
	cb(f)
}

// AddDoneCallback registers cb to run once the future completes. If the
// future is already complete, cb runs inline before AddDoneCallback returns.
func (f *Future) AddDoneCallback(cb Callback) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.fire(cb)
}

// Result blocks until the future completes and returns its value, or the
// error it failed with.
func (f *Future) Result() (any, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// ResultCtx is like Result but gives up when ctx is cancelled.
func (f *Future) ResultCtx(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err blocks until the future completes and returns the error it failed
// with, or nil on success.
func (f *Future) Err() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Peek returns the value and error without blocking. The bool result
// reports whether the future had completed.
func (f *Future) Peek() (any, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}
