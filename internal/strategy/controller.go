// Package strategy implements the periodic autoscaling control loop that
// sizes each executor's block pool to the observed workload.
package strategy

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/tjdasso/dfk/internal/exec"
)

// Variant names a controller behavior.
const (
	VariantNone       = "none"
	VariantSimple     = "simple"
	VariantAggressive = "aggressive"
	VariantTotalTime  = "totaltime"
)

// Controller evaluates every scaling-capable executor on a timer and
// issues block grow/shrink decisions.
type Controller struct {
	logger    hclog.Logger
	variant   string
	maxIdle   time.Duration
	executors []exec.Executor

	timer *Timer

	mu        sync.Mutex
	idleSince map[string]time.Time
	// runtime accumulates in-flight task counts per executor block, sampled
	// on each tick that evaluates a drain (case 4); the totaltime variant
	// drains the idle block with the smallest total.
	runtime map[string]map[string]int
}

// NewController builds a controller over the given executors. It does not
// start ticking until Start is called.
func NewController(logger hclog.Logger, executors []exec.Executor, variant string, maxIdle time.Duration) *Controller {
	if maxIdle <= 0 {
		maxIdle = 120 * time.Second
	}
	return &Controller{
		logger:    logger.Named("strategy"),
		variant:   variant,
		maxIdle:   maxIdle,
		executors: executors,
		idleSince: make(map[string]time.Time),
		runtime:   make(map[string]map[string]int),
	}
}

// Start begins the periodic control loop.
func (c *Controller) Start(interval time.Duration) {
	if c.variant == VariantNone {
		return
	}
	c.timer = NewTimer(c.Tick, interval)
	c.logger.Debug("scaling strategy started", "variant", c.variant, "interval", interval)
}

// Stop halts the control loop. Safe on a controller that never started.
func (c *Controller) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Tick runs one evaluation pass over all executors. Exposed so tests and
// the kernel can drive the loop without waiting on the timer.
func (c *Controller) Tick() {
	if c.variant == VariantNone {
		return
	}
	for _, e := range c.executors {
		sc, ok := e.(exec.Scalable)
		if !ok || !sc.ScalingEnabled() {
			continue
		}
		pv, ok := e.(exec.WithProvider)
		if !ok {
			continue
		}
		c.evaluate(sc, pv.Provider())
	}
}

func (c *Controller) evaluate(e exec.Scalable, prov *exec.Provider) {
	label := e.Label()
	log := c.logger.With("executor", label)

	activeTasks := e.Outstanding()

	activeBlocks := 0
	for _, bs := range e.Status() {
		if bs.State.Active() {
			activeBlocks++
		}
	}

	tasksPerNode := c.tasksPerNode(e)
	nodesPerBlock := prov.NodesPerBlock
	if nodesPerBlock <= 0 {
		nodesPerBlock = 1
	}
	activeSlots := activeBlocks * tasksPerNode * nodesPerBlock

	metrics.SetGaugeWithLabels([]string{"dfk", "strategy", "active_tasks"}, float32(activeTasks),
		[]metrics.Label{{Name: "executor", Value: label}})
	metrics.SetGaugeWithLabels([]string{"dfk", "strategy", "active_blocks"}, float32(activeBlocks),
		[]metrics.Label{{Name: "executor", Value: label}})

	log.Debug("strategy tick",
		"active_tasks", activeTasks, "active_blocks", activeBlocks, "active_slots", activeSlots)

	switch {
	// Case 1: nothing outstanding. Scale in after the idle timeout.
	case activeTasks == 0:
		if activeBlocks <= prov.MinBlocks {
			return
		}
		c.mu.Lock()
		since, tracked := c.idleSince[label]
		if !tracked {
			c.idleSince[label] = time.Now()
			c.mu.Unlock()
			log.Debug("executor idle; starting kill timer", "max_idletime", c.maxIdle)
			return
		}
		c.mu.Unlock()
		if time.Since(since) > c.maxIdle {
			log.Debug("idle timeout reached; removing resources", "blocks", activeBlocks-prov.MinBlocks)
			if err := e.ScaleIn(activeBlocks - prov.MinBlocks); err != nil {
				log.Error("scale-in failed", "error", err)
			}
		}
		return

	// Case 2: under-provisioned.
	case activeTasks > 0 && float64(activeSlots)/float64(activeTasks) < prov.Parallelism && activeBlocks < prov.MaxBlocks:
		c.clearIdle(label)
		excess := math.Ceil(float64(activeTasks)*prov.Parallelism - float64(activeSlots))
		excessBlocks := int(math.Ceil(excess / float64(tasksPerNode*nodesPerBlock)))
		toRequest := prov.MaxBlocks - activeBlocks
		if excessBlocks < toRequest {
			toRequest = excessBlocks
		}
		if toRequest > 0 {
			log.Debug("requesting more blocks", "active_blocks", activeBlocks, "requested", toRequest)
			if err := e.ScaleOut(toRequest); err != nil {
				log.Error("scale-out failed", "error", err)
			}
		}
		return

	// Case 3: stalled, no capacity at all. Request a single block.
	case activeSlots == 0 && activeTasks > 0:
		c.clearIdle(label)
		log.Debug("no active slots with outstanding tasks; requesting a single block")
		if err := e.ScaleOut(1); err != nil {
			log.Error("scale-out failed", "error", err)
		}
		return

	// Case 4: over-provisioned. Drain at most one empty block per tick.
	case activeSlots > activeTasks && c.variant != VariantSimple:
		c.clearIdle(label)
		c.drainOne(e)
		return

	default:
		c.clearIdle(label)
	}
}

func (c *Controller) clearIdle(label string) {
	c.mu.Lock()
	delete(c.idleSince, label)
	c.mu.Unlock()
}

// drainOne picks one idle block to release. The aggressive variant drains
// the first eligible block; totaltime drains the eligible block with the
// least accumulated in-flight runtime.
func (c *Controller) drainOne(e exec.Scalable) {
	wr, ok := e.(exec.WorkerReporting)
	if !ok {
		return
	}
	label := e.Label()
	log := c.logger.With("executor", label)

	type blockLoad struct {
		tasks  int
		active bool
	}
	loads := make(map[string]*blockLoad)
	for _, w := range wr.ConnectedWorkers() {
		bl, ok := loads[w.BlockID]
		if !ok {
			bl = &blockLoad{active: true}
			loads[w.BlockID] = bl
		}
		bl.tasks += w.Tasks
		bl.active = bl.active && w.Active
	}

	c.mu.Lock()
	tracker, ok := c.runtime[label]
	if !ok {
		tracker = make(map[string]int)
		c.runtime[label] = tracker
	}
	for id, bl := range loads {
		tracker[id] += bl.tasks
	}
	c.mu.Unlock()

	victim := ""
	minRuntime := 0
	for id, bl := range loads {
		if bl.tasks != 0 || !bl.active {
			continue
		}
		switch c.variant {
		case VariantTotalTime:
			c.mu.Lock()
			rt := tracker[id]
			c.mu.Unlock()
			if victim == "" || rt < minRuntime {
				victim, minRuntime = id, rt
			}
		default:
			if victim == "" || id < victim {
				victim = id
			}
		}
	}
	if victim == "" {
		return
	}
	log.Debug("draining empty block", "block_id", victim)
	if err := e.ScaleIn(1, victim); err != nil {
		log.Error("scale-in failed", "block_id", victim, "error", err)
	}
}

// tasksPerNode probes the executor's capacity self-reports in priority
// order: connected-worker report, per-node capability, then 1.
func (c *Controller) tasksPerNode(e exec.Executor) int {
	if wr, ok := e.(exec.WorkerReporting); ok {
		if ws := wr.ConnectedWorkers(); len(ws) > 0 && ws[0].WorkerCount > 0 {
			return ws[0].WorkerCount
		}
	}
	if tr, ok := e.(exec.TasksPerNodeReporting); ok {
		if n := tr.TasksPerNode(); n > 0 {
			return n
		}
	}
	return 1
}
