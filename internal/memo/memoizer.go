package memo

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/tjdasso/dfk/internal/future"
	"github.com/tjdasso/dfk/internal/task"
)

// Memoizer maps fingerprints to completed futures. An entry is a completed
// future so that a memo hit is indistinguishable from a fresh completion to
// downstream callbacks.
type Memoizer struct {
	logger  hclog.Logger
	memoize bool

	mu    sync.Mutex
	table map[string]*future.Future
}

// NewMemoizer builds a memoizer. memoize is the run-wide app-cache switch;
// seed is the table reconstituted from checkpoint logs, possibly nil.
func NewMemoizer(logger hclog.Logger, memoize bool, seed map[string]*future.Future) *Memoizer {
	table := seed
	if table == nil {
		table = make(map[string]*future.Future)
	}
	if !memoize && len(table) > 0 {
		logger.Warn("checkpoints loaded but app caching is disabled; cached results will not be reused")
	}
	return &Memoizer{
		logger:  logger.Named("memoizer"),
		memoize: memoize,
		table:   table,
	}
}

// Check computes and caches the record's fingerprint, then probes the
// table. On a hit the returned future is already terminal. Records that
// opt out never have their fingerprint inserted.
func (m *Memoizer) Check(rec *task.Record) (bool, *future.Future) {
	if !m.memoize || !rec.Memoize {
		m.logger.Debug("memoization disabled for task", "task_id", rec.ID)
		return false, nil
	}

	if rec.Hashsum == "" {
		hashsum, err := Fingerprint(rec)
		if err != nil {
			m.logger.Error("could not fingerprint task; skipping memoization", "task_id", rec.ID, "error", err)
			return false, nil
		}
		rec.Hashsum = hashsum
	}

	m.mu.Lock()
	fu, ok := m.table[rec.Hashsum]
	m.mu.Unlock()

	if ok {
		m.logger.Info("task memo hit", "task_id", rec.ID, "hashsum", rec.Hashsum)
		metrics.IncrCounter([]string{"dfk", "memo", "hits"}, 1)
	}
	return ok, fu
}

// Update stores the result of a task that reached a successful terminal
// state. Failed tasks never populate the cache.
func (m *Memoizer) Update(rec *task.Record, fu *future.Future) {
	if !m.memoize || !rec.Memoize || rec.Hashsum == "" {
		return
	}
	_, err, done := fu.Peek()
	if !done || err != nil {
		m.logger.Debug("not memoizing failed or incomplete task", "task_id", rec.ID)
		return
	}
	m.mu.Lock()
	m.table[rec.Hashsum] = fu
	m.mu.Unlock()
	m.logger.Debug("task result memoized", "task_id", rec.ID, "hashsum", rec.Hashsum)
}

// Lookup returns the completed future for a fingerprint, or nil.
func (m *Memoizer) Lookup(hashsum string) *future.Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[hashsum]
}

// Len reports the number of memoized entries.
func (m *Memoizer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
