package kernel

import (
	"fmt"
	"math/rand"
	"reflect"
	"runtime"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/staging"
	"github.com/tjdasso/dfk/internal/task"
)

// SubmitOption customizes one submission.
type SubmitOption func(*submitOpts)

type submitOpts struct {
	executors []string
	fnHash    string
	cache     bool
	funcName  string
}

// WithExecutors restricts the submission to the given executor labels; the
// kernel picks one uniformly at random. The default is any non-staging
// executor.
func WithExecutors(labels ...string) SubmitOption {
	return func(o *submitOpts) { o.executors = labels }
}

// WithFnHash supplies the function identity hash used in the memo
// fingerprint in place of the function's symbol name alone.
func WithFnHash(h string) SubmitOption {
	return func(o *submitOpts) { o.fnHash = h }
}

// WithCache opts the task into the memo cache.
func WithCache(cache bool) SubmitOption {
	return func(o *submitOpts) { o.cache = cache }
}

// WithFuncName overrides the function name recorded for the task. Without
// it the name is taken from the function's symbol.
func WithFuncName(name string) SubmitOption {
	return func(o *submitOpts) { o.funcName = name }
}

// Submit adds a task to the dataflow graph and returns its app future.
//
// Futures found among args, kwargs values, and the reserved kwargs
// "inputs" list become dependencies: the task launches once all of them
// are terminal. Futures nested deeper inside containers are not resolved.
// Reserved kwargs: "inputs" ([]any), "outputs" ([]any of file handles),
// "stdout", "stderr" (strings).
func (dfk *DataFlowKernel) Submit(fn task.AppFunc, args []any, kwargs map[string]any, opts ...SubmitOption) (*future.AppFuture, error) {
	o := submitOpts{}
	for _, opt := range opts {
		opt(&o)
	}
	return dfk.submit(fn, args, kwargs, o, false)
}

// SubmitStaging is the data manager's entry point: it pins the submission
// to the staging executor and marks the record so stage-out processing
// skips it.
func (dfk *DataFlowKernel) SubmitStaging(fn task.AppFunc, funcName string, args []any) (*future.AppFuture, error) {
	o := submitOpts{
		executors: []string{staging.Label},
		funcName:  funcName,
	}
	return dfk.submit(fn, args, nil, o, true)
}

func (dfk *DataFlowKernel) submit(fn task.AppFunc, args []any, kwargs map[string]any, o submitOpts, stagingTask bool) (*future.AppFuture, error) {
	if fn == nil {
		return nil, fmt.Errorf("cannot submit a nil app function")
	}

	executor, err := dfk.chooseExecutor(o.executors, stagingTask)
	if err != nil {
		return nil, err
	}

	if kwargs == nil {
		kwargs = make(map[string]any)
	} else {
		copied := make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			copied[k] = v
		}
		kwargs = copied
	}

	args, kwargs, err = dfk.addInputDeps(executor, args, kwargs)
	if err != nil {
		return nil, err
	}

	// The id is allocated only once the submission can no longer be
	// rejected, so ids stay dense.
	id := dfk.registry.NextID()

	name := o.funcName
	if name == "" {
		name = funcName(fn)
	}

	rec := &task.Record{
		ID:       id,
		Fn:       fn,
		FuncName: name,
		FnHash:   o.fnHash,
		Args:     args,
		Kwargs:   kwargs,
		Executor: executor,
		Staging:  stagingTask,
		Memoize:  o.cache,
	}

	if err := dfk.registry.Insert(rec); err != nil {
		return nil, err
	}

	depCount, depends := gatherDeps(args, kwargs)
	rec.Depends = depends

	stdout, _ := kwargs["stdout"].(string)
	stderr, _ := kwargs["stderr"].(string)
	appFu := future.NewAppFuture(id, stdout, stderr)

	if outputs, ok := kwargs["outputs"].([]any); ok {
		dataFutures := make([]*future.DataFuture, 0, len(outputs))
		for _, out := range outputs {
			if f, ok := out.(future.FileRef); ok {
				dataFutures = append(dataFutures, future.NewDataFuture(appFu, f))
			}
		}
		appFu.SetOutputs(dataFutures)
	}

	rec.AppFu = appFu
	appFu.AddDoneCallback(func(*future.Future) {
		dfk.handleAppUpdate(id, rec.MemoHit.Load())
	})

	if err := rec.Transition(task.Unsched, task.Pending); err != nil {
		return nil, err
	}

	depIDs := make([]int, 0, len(rec.Depends))
	for _, d := range rec.Depends {
		depIDs = append(depIDs, d.TaskID())
	}
	dfk.logger.Info("task submitted",
		"task_id", id, "func", name, "executor", executor,
		"waiting_on", depIDs, "unresolved", depCount)

	// Arm-and-probe: install a launch callback on every dependency, then
	// probe once explicitly. A dependency that completed before its
	// callback was installed is covered by the explicit probe; one that
	// completes after is covered by its callback.
	for _, d := range rec.Depends {
		d.AddDoneCallback(func(*future.Future) {
			dfk.launchIfReady(id)
		})
	}
	dfk.launchIfReady(id)

	return appFu, nil
}

// chooseExecutor fixes the task's executor for life. "all" semantics pick
// uniformly at random among non-staging executors.
func (dfk *DataFlowKernel) chooseExecutor(labels []string, stagingTask bool) (string, error) {
	if stagingTask {
		return staging.Label, nil
	}
	choices := labels
	if len(choices) == 0 {
		choices = dfk.userLabels
	}
	if len(choices) == 0 {
		return "", fmt.Errorf("no executors available for submission")
	}
	for _, label := range choices {
		if label == staging.Label {
			return "", fmt.Errorf("executor label %q is reserved for staging", label)
		}
		if _, ok := dfk.executors[label]; !ok {
			return "", fmt.Errorf("unknown executor %q", label)
		}
	}
	return choices[rand.Intn(len(choices))], nil
}

// addInputDeps replaces each remote file handle in args, kwargs, and the
// inputs list with the data future of a stage-in task. Staging is skipped
// when the target is the staging executor itself.
func (dfk *DataFlowKernel) addInputDeps(executor string, args []any, kwargs map[string]any) ([]any, map[string]any, error) {
	if executor == staging.Label {
		return args, kwargs, nil
	}

	stage := func(v any) (any, error) {
		f, ok := v.(*staging.File)
		if !ok || !f.Remote() {
			return v, nil
		}
		df, err := dfk.dataManager.StageIn(f, executor)
		if err != nil {
			return nil, fmt.Errorf("staging in %s: %w", f, err)
		}
		return df, nil
	}

	newArgs := make([]any, len(args))
	for i, v := range args {
		staged, err := stage(v)
		if err != nil {
			return nil, nil, err
		}
		newArgs[i] = staged
	}

	for k, v := range kwargs {
		if k == "inputs" || k == "outputs" {
			continue
		}
		staged, err := stage(v)
		if err != nil {
			return nil, nil, err
		}
		kwargs[k] = staged
	}

	if inputs, ok := kwargs["inputs"].([]any); ok {
		newInputs := make([]any, len(inputs))
		for i, v := range inputs {
			staged, err := stage(v)
			if err != nil {
				return nil, nil, err
			}
			newInputs[i] = staged
		}
		kwargs["inputs"] = newInputs
	}

	return newArgs, kwargs, nil
}

// gatherDeps scans positional args, keyword args, and the reserved inputs
// list for futures, returning every future found and a count of those not
// already terminal. Futures hidden deeper inside nested containers are a
// documented boundary and are not collected.
func gatherDeps(args []any, kwargs map[string]any) (int, []future.Waitable) {
	var depends []future.Waitable
	collect := func(v any) {
		if d, ok := v.(future.Waitable); ok {
			depends = append(depends, d)
		}
	}
	for _, v := range args {
		collect(v)
	}
	for _, v := range kwargs {
		collect(v)
	}
	if inputs, ok := kwargs["inputs"].([]any); ok {
		for _, v := range inputs {
			collect(v)
		}
	}
	return countUnresolved(depends), depends
}

// countUnresolved counts dependencies that are not yet terminal.
func countUnresolved(depends []future.Waitable) int {
	count := 0
	for _, d := range depends {
		if !d.Done() {
			count++
		}
	}
	return count
}

// sanitizeAndWrap replaces each terminal dependency with its result and
// collects errors from dependencies whose task ended in final failure.
// Callable only once every gathered future is terminal.
func (dfk *DataFlowKernel) sanitizeAndWrap(rec *task.Record) ([]any, map[string]any, []error) {
	var depFailures []error

	unwrap := func(v any) any {
		d, ok := v.(future.Waitable)
		if !ok {
			return v
		}
		res, err, _ := d.Peek()
		if err != nil {
			if dfk.depFinalFailure(d) {
				depFailures = append(depFailures, err)
			}
			return v
		}
		return res
	}

	newArgs := make([]any, len(rec.Args))
	for i, v := range rec.Args {
		newArgs[i] = unwrap(v)
	}

	newKwargs := make(map[string]any, len(rec.Kwargs))
	for k, v := range rec.Kwargs {
		newKwargs[k] = v
	}
	for k, v := range newKwargs {
		if k == "inputs" {
			continue
		}
		newKwargs[k] = unwrap(v)
	}
	if inputs, ok := newKwargs["inputs"].([]any); ok {
		newInputs := make([]any, len(inputs))
		for i, v := range inputs {
			newInputs[i] = unwrap(v)
		}
		newKwargs["inputs"] = newInputs
	}

	return newArgs, newKwargs, depFailures
}

// depFinalFailure reports whether a failed dependency belongs to a task in
// a final-failure state. Futures without a task are final by definition.
func (dfk *DataFlowKernel) depFinalFailure(d future.Waitable) bool {
	tid := d.TaskID()
	if tid < 0 {
		return true
	}
	rec, ok := dfk.registry.Get(tid)
	if !ok {
		return true
	}
	return rec.Status().FinalFailure()
}

// funcName derives a stable name from the function symbol.
func funcName(fn task.AppFunc) string {
	pc := reflect.ValueOf(fn).Pointer()
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
