package exec

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

// PoolConfig configures an in-process pool executor.
type PoolConfig struct {
	Label        string
	Provider     *Provider
	TasksPerNode int
	Managed      bool
	Scaling      bool
	Logger       hclog.Logger
}

// PoolExecutor runs apps on in-process worker goroutines grouped into
// blocks. One block hosts NodesPerBlock * TasksPerNode workers, so the
// executor's slot arithmetic matches what the strategy computes from its
// provider.
type PoolExecutor struct {
	label        string
	logger       hclog.Logger
	provider     *Provider
	tasksPerNode int
	managed      bool
	scaling      bool
	baseLabels   []metrics.Label

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*submission
	blocks      map[string]*poolBlock
	blockOrder  []string
	outstanding int
	down        bool
	wg          sync.WaitGroup
}

type submission struct {
	fn     task.AppFunc
	args   []any
	kwargs map[string]any
	fu     *future.Future
}

type poolBlock struct {
	id       string
	state    BlockState
	stopped  bool
	workers  int
	inFlight int
}

// NewPoolExecutor builds a pool executor. No blocks are started until
// Start or ScaleOut is called.
func NewPoolExecutor(cfg PoolConfig) (*PoolExecutor, error) {
	if cfg.Label == "" {
		return nil, fmt.Errorf("pool executor requires a label")
	}
	if cfg.TasksPerNode <= 0 {
		cfg.TasksPerNode = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.L()
	}
	if cfg.Provider == nil {
		cfg.Provider = &Provider{MinBlocks: 1, MaxBlocks: 1, InitBlocks: 1, NodesPerBlock: 1, Parallelism: 1}
	}
	if cfg.Provider.NodesPerBlock <= 0 {
		cfg.Provider.NodesPerBlock = 1
	}
	e := &PoolExecutor{
		label:        cfg.Label,
		logger:       cfg.Logger.Named("executor").With("executor", cfg.Label),
		provider:     cfg.Provider,
		tasksPerNode: cfg.TasksPerNode,
		managed:      cfg.Managed,
		scaling:      cfg.Scaling,
		baseLabels:   []metrics.Label{{Name: "executor", Value: cfg.Label}},
		blocks:       make(map[string]*poolBlock),
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

// Start provisions the provider's initial blocks.
func (e *PoolExecutor) Start() error {
	if e.provider.InitBlocks > 0 {
		return e.ScaleOut(e.provider.InitBlocks)
	}
	return nil
}

func (e *PoolExecutor) Label() string { return e.label }

// Managed reports whether the kernel owns this executor's lifecycle.
func (e *PoolExecutor) Managed() bool { return e.managed }

// ScalingEnabled reports whether the strategy may scale this executor.
func (e *PoolExecutor) ScalingEnabled() bool { return e.scaling }

// Provider returns the resource contract backing this executor.
func (e *PoolExecutor) Provider() *Provider { return e.provider }

// TasksPerNode is the executor's capacity self-report.
func (e *PoolExecutor) TasksPerNode() int { return e.tasksPerNode }

// Submit enqueues one app invocation and returns its execution future.
func (e *PoolExecutor) Submit(fn task.AppFunc, args []any, kwargs map[string]any) (*future.Future, error) {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor %s has been shut down", e.label)
	}
	fu := future.New()
	e.queue = append(e.queue, &submission{fn: fn, args: args, kwargs: kwargs, fu: fu})
	e.outstanding++
	e.cond.Broadcast()
	e.mu.Unlock()

	metrics.IncrCounterWithLabels([]string{"dfk", "executor", "submitted"}, 1, e.baseLabels)
	return fu, nil
}

// Outstanding counts submissions that have not reached a terminal state.
func (e *PoolExecutor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// Status returns the block inventory, including cancelled blocks.
func (e *PoolExecutor) Status() []BlockStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BlockStatus, 0, len(e.blockOrder))
	for _, id := range e.blockOrder {
		b := e.blocks[id]
		out = append(out, BlockStatus{ID: b.id, State: b.state})
	}
	return out
}

// ConnectedWorkers reports per-block worker groups for drain decisions.
func (e *PoolExecutor) ConnectedWorkers() []WorkerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WorkerInfo, 0, len(e.blockOrder))
	for _, id := range e.blockOrder {
		b := e.blocks[id]
		if b.state == BlockCancelled {
			continue
		}
		out = append(out, WorkerInfo{
			BlockID:     b.id,
			WorkerCount: b.workers,
			Tasks:       b.inFlight,
			Active:      !b.stopped,
		})
	}
	return out
}

// ScaleOut provisions n new blocks and starts their workers.
func (e *PoolExecutor) ScaleOut(n int) error {
	for i := 0; i < n; i++ {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("generating block id: %w", err)
		}
		b := &poolBlock{
			id:      id,
			state:   BlockRunning,
			workers: e.provider.NodesPerBlock * e.tasksPerNode,
		}
		e.mu.Lock()
		if e.down {
			e.mu.Unlock()
			return fmt.Errorf("executor %s has been shut down", e.label)
		}
		e.blocks[id] = b
		e.blockOrder = append(e.blockOrder, id)
		for w := 0; w < b.workers; w++ {
			e.wg.Add(1)
			go e.worker(b)
		}
		e.mu.Unlock()
		e.logger.Debug("block provisioned", "block_id", id, "workers", b.workers)
	}
	metrics.IncrCounterWithLabels([]string{"dfk", "executor", "scale_out"}, float32(n), e.baseLabels)
	return nil
}

// ScaleIn drains n blocks, or exactly the named blocks. Draining is
// cooperative: in-flight tasks run to completion, idle workers exit.
func (e *PoolExecutor) ScaleIn(n int, blockIDs ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var victims []*poolBlock
	if len(blockIDs) > 0 {
		for _, id := range blockIDs {
			if b, ok := e.blocks[id]; ok && b.state.Active() {
				victims = append(victims, b)
			}
		}
	} else {
		for i := len(e.blockOrder) - 1; i >= 0 && len(victims) < n; i-- {
			if b := e.blocks[e.blockOrder[i]]; b.state.Active() {
				victims = append(victims, b)
			}
		}
	}

	for _, b := range victims {
		b.stopped = true
		b.state = BlockCancelled
		e.logger.Debug("block drained", "block_id", b.id)
	}
	e.cond.Broadcast()
	metrics.IncrCounterWithLabels([]string{"dfk", "executor", "scale_in"}, float32(len(victims)), e.baseLabels)
	return nil
}

// Shutdown stops all workers and refuses further submissions. It returns
// after in-flight tasks complete; queued submissions never run, so callers
// drain outstanding work first.
func (e *PoolExecutor) Shutdown() error {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return nil
	}
	e.down = true
	for _, b := range e.blocks {
		b.stopped = true
		if b.state.Active() {
			b.state = BlockCancelled
		}
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Debug("executor shut down")
	return nil
}

func (e *PoolExecutor) worker(b *poolBlock) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !b.stopped && !e.down {
			e.cond.Wait()
		}
		if b.stopped || e.down {
			e.mu.Unlock()
			return
		}
		sub := e.queue[0]
		e.queue = e.queue[1:]
		b.inFlight++
		e.mu.Unlock()

		e.run(sub)

		e.mu.Lock()
		b.inFlight--
		e.mu.Unlock()
	}
}

// run executes one submission and completes its future. Panics inside the
// app become execution errors rather than killing the worker.
func (e *PoolExecutor) run(sub *submission) {
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("app panicked: %v", r)
			}
		}()
		res, err = sub.fn(sub.args, sub.kwargs)
	}()

	e.mu.Lock()
	e.outstanding--
	e.mu.Unlock()

	if err != nil {
		_ = sub.fu.SetError(err)
		return
	}
	_ = sub.fu.SetResult(res)
}
