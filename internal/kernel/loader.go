package kernel

import (
	"errors"
	"sync"

	"github.com/tjdasso/dfk/internal/config"
)

var (
	// ErrAlreadyLoaded is returned by Load when an active kernel exists.
	ErrAlreadyLoaded = errors.New("a dataflow kernel has already been loaded")
	// ErrNotLoaded is returned by Current before any Load.
	ErrNotLoaded = errors.New("no dataflow kernel has been loaded")
)

var (
	loadMu sync.Mutex
	active *DataFlowKernel
)

// Load constructs a kernel from cfg and makes it the process-wide active
// kernel, so decorator-style app definitions can submit without an
// explicit kernel reference. Loading over an active kernel is an error.
func Load(cfg *config.Config) (*DataFlowKernel, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if active != nil {
		return nil, ErrAlreadyLoaded
	}
	dfk, err := New(cfg)
	if err != nil {
		return nil, err
	}
	active = dfk
	return dfk, nil
}

// Clear forgets the active kernel so a new one can be loaded. It does not
// clean the kernel up; callers own that.
func Clear() {
	loadMu.Lock()
	defer loadMu.Unlock()
	active = nil
}

// Current returns the active kernel.
func Current() (*DataFlowKernel, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if active == nil {
		return nil, ErrNotLoaded
	}
	return active, nil
}

// WaitForCurrentTasks waits on the active kernel's outstanding tasks.
func WaitForCurrentTasks() error {
	dfk, err := Current()
	if err != nil {
		return err
	}
	dfk.WaitForCurrentTasks()
	return nil
}
