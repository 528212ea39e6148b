package exec

import (
	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

// BlockState is the provider-visible lifecycle of one resource block.
type BlockState int

const (
	BlockPending BlockState = iota
	BlockSubmitting
	BlockRunning
	BlockCancelled
)

func (s BlockState) String() string {
	switch s {
	case BlockPending:
		return "PENDING"
	case BlockSubmitting:
		return "SUBMITTING"
	case BlockRunning:
		return "RUNNING"
	case BlockCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the block counts toward active capacity.
func (s BlockState) Active() bool {
	return s == BlockPending || s == BlockSubmitting || s == BlockRunning
}

// BlockStatus is one entry of an executor's self-reported block inventory.
type BlockStatus struct {
	ID    string
	State BlockState
}

// WorkerInfo is one worker group's self-report, keyed by block.
type WorkerInfo struct {
	BlockID     string
	WorkerCount int
	// Tasks is the number of in-flight tasks on this worker group.
	Tasks int
	// Active is false once the block has been asked to drain.
	Active bool
}

// Provider describes the resource allocation contract behind an executor.
type Provider struct {
	MinBlocks     int
	MaxBlocks     int
	InitBlocks    int
	NodesPerBlock int
	// Parallelism is the target slots-to-tasks ratio in [0, 1].
	Parallelism float64
}

// Executor is the worker-pool abstraction the kernel submits to. The
// kernel uses executors only through this contract and the optional
// capability probes below.
type Executor interface {
	Label() string
	Submit(fn task.AppFunc, args []any, kwargs map[string]any) (*future.Future, error)
	// Outstanding counts submissions that have not reached a terminal state.
	Outstanding() int
	Status() []BlockStatus
	Shutdown() error
}

// Starter is implemented by executors that need explicit startup before
// accepting submissions. The kernel starts every such executor it owns.
type Starter interface {
	Start() error
}

// Scalable is the capability probe for executors whose provider supports
// block scaling.
type Scalable interface {
	Executor
	ScalingEnabled() bool
	ScaleOut(n int) error
	// ScaleIn releases n blocks, or exactly the named blocks when ids are
	// given.
	ScaleIn(n int, blockIDs ...string) error
}

// ManagedExecutor marks executors whose lifecycle the kernel owns.
type ManagedExecutor interface {
	Executor
	Managed() bool
}

// WithProvider exposes the provider contract backing an executor.
type WithProvider interface {
	Provider() *Provider
}

// WorkerReporting is an optional probe for executors whose workers report
// in-flight load, used by drain-aware scale-in.
type WorkerReporting interface {
	ConnectedWorkers() []WorkerInfo
}

// TasksPerNodeReporting is an optional probe for the per-node task
// capacity self-report. The strategy prefers a worker report, then this
// probe, and uses 1 when neither is available.
type TasksPerNodeReporting interface {
	TasksPerNode() int
}
