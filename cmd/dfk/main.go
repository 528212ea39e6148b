// Command dfk runs a small demonstration workflow on an in-process pool
// executor: a diamond of dependent tasks with memoization enabled.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/tjdasso/dfk/internal/config"
	"github.com/tjdasso/dfk/internal/exec"
	"github.com/tjdasso/dfk/internal/kernel"
	"github.com/tjdasso/dfk/internal/task"
)

func add(args []any, kwargs map[string]any) (any, error) {
	total := 0
	for _, a := range args {
		n, ok := a.(int)
		if !ok {
			return nil, fmt.Errorf("add expects ints, got %T", a)
		}
		total += n
	}
	return total, nil
}

func run() (err error) {
	logger := hclog.New(&hclog.LoggerOptions{Name: "dfk", Level: hclog.Info})

	pool, err := exec.NewPoolExecutor(exec.PoolConfig{
		Label:        "local",
		TasksPerNode: 4,
		Managed:      true,
		Scaling:      true,
		Provider:     &exec.Provider{MinBlocks: 0, MaxBlocks: 2, InitBlocks: 1, NodesPerBlock: 1, Parallelism: 1},
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Executors = []exec.Executor{pool}
	cfg.RunDir = "runinfo"
	cfg.Logger = logger

	dfk, err := kernel.Load(cfg)
	if err != nil {
		return err
	}
	defer kernel.Clear()
	defer func() {
		if cerr := dfk.Cleanup(); err == nil {
			err = cerr
		}
	}()

	var fn task.AppFunc = add
	a, err := dfk.Submit(fn, []any{1, 2}, nil, kernel.WithCache(true))
	if err != nil {
		return err
	}
	b, err := dfk.Submit(fn, []any{a, 10}, nil)
	if err != nil {
		return err
	}
	c, err := dfk.Submit(fn, []any{a, 20}, nil)
	if err != nil {
		return err
	}
	d, err := dfk.Submit(fn, []any{b, c}, nil)
	if err != nil {
		return err
	}

	result, err := d.Result()
	if err != nil {
		return fmt.Errorf("workflow failed: %w", err)
	}
	fmt.Println("diamond result:", result)

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
