package future

import (
	"errors"
	"sync"
)

// ErrParentFinished is returned by UpdateParent when the app future has
// already published a terminal outcome; rebinding after that point would
// let a stale execution attempt overwrite the visible result.
var ErrParentFinished = errors.New("app future already has a terminal outcome")

// RemoteException carries an error captured on a remote worker inside an
// otherwise successful execution value. The completion handler unwraps it
// and treats the attempt as a failure.
type RemoteException struct {
	Cause error
}

func (r *RemoteException) Error() string { return "remote exception: " + r.Cause.Error() }

// Reraise surfaces the captured error.
func (r *RemoteException) Reraise() error { return r.Cause }

func (r *RemoteException) Unwrap() error { return r.Cause }

// AppFuture is the caller-visible future for one submitted app.
//
// It follows the terminal state of a parent execution future, which may be
// rebound once per execution attempt: from nil to the executor's returned
// future, or from a failed attempt's future to the retry attempt's future.
// The rebinding is how retries stay invisible to the caller; the app future
// only publishes the final attempt's outcome.
type AppFuture struct {
	*Future

	parentMu sync.Mutex
	parent   *Future

	stdout  string
	stderr  string
	outputs []*DataFuture
}

// NewAppFuture returns an app future for the given task with no parent.
func NewAppFuture(tid int, stdout, stderr string) *AppFuture {
	return &AppFuture{
		Future: NewForTask(tid),
		stdout: stdout,
		stderr: stderr,
	}
}

// Stdout returns the stdout path the submission requested, if any.
func (a *AppFuture) Stdout() string { return a.stdout }

// Stderr returns the stderr path the submission requested, if any.
func (a *AppFuture) Stderr() string { return a.stderr }

// SetOutputs installs the ordered output-file futures. Called once at
// submit time, before the future is visible to any other goroutine.
func (a *AppFuture) SetOutputs(outputs []*DataFuture) { a.outputs = outputs }

// Outputs returns the ordered output-file futures for this app. Callers
// that need stage-out completion await these explicitly; Result does not.
func (a *AppFuture) Outputs() []*DataFuture { return a.outputs }

// Parent returns the execution future currently backing this app future.
func (a *AppFuture) Parent() *Future {
	a.parentMu.Lock()
	defer a.parentMu.Unlock()
	return a.parent
}

// UpdateParent binds the app future to follow fut's terminal state. The
// mirror callback copies fut's result or error onto the app future, except
// when fut failed with retries remaining: then a retry attempt will rebind
// the parent and the app future stays open.
func (a *AppFuture) UpdateParent(fut *Future) error {
	if a.Done() {
		return ErrParentFinished
	}
	a.parentMu.Lock()
	a.parent = fut
	a.parentMu.Unlock()

	fut.AddDoneCallback(a.parentCallback)
	return nil
}

// parentCallback mirrors the parent's outcome onto the app future. A failed
// attempt with retries left is ignored here: the completion handler will
// relaunch and rebind.
func (a *AppFuture) parentCallback(fut *Future) {
	a.parentMu.Lock()
	if a.parent != fut {
		// A retry already rebound the parent; this attempt is stale.
		a.parentMu.Unlock()
		return
	}
	a.parentMu.Unlock()

	v, err, _ := fut.Peek()
	if err == nil {
		if rw, ok := v.(*RemoteException); ok {
			err = rw.Reraise()
		}
	}
	if err != nil && fut.RetriesLeft() > 0 {
		return
	}
	if err != nil {
		if serr := a.SetError(err); serr != nil {
			a.logger.Error("app future double completion", "task_id", a.TaskID(), "error", serr)
		}
		return
	}
	if serr := a.SetResult(v); serr != nil {
		a.logger.Error("app future double completion", "task_id", a.TaskID(), "error", serr)
	}
}
