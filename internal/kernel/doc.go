// Package kernel implements the dataflow kernel: the dependency-aware
// scheduling core that turns submissions into a running task graph.
//
// A submission records a task, collects the futures among its arguments as
// dependencies, and arms a launch probe on each. When every dependency is
// terminal the launcher consults the memo table, submits to the chosen
// executor on a miss, and synthesizes the completion on a hit. Completion
// handling applies the retry policy and publishes outcomes onto app
// futures; dependency failures propagate without retries.
package kernel
