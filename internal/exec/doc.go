// Package exec defines the executor contract the kernel consumes and an
// in-process pool executor implementing it.
//
// Executors are consumed through a capability set rather than a type
// hierarchy: the base Executor interface covers submission and status,
// and optional probes (Scalable, WithProvider, WorkerReporting,
// TasksPerNodeReporting) expose what a particular variety supports.
package exec
