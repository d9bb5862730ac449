// Package runner executes discovery modules as asynchronous jobs.
//
// Each submitted job runs on its own goroutine through a uniform
// lifecycle: queued, running, then exactly one terminal state. Results
// of successful runs are merged into the topology store through the
// reconciler inside a single store write. Finished jobs linger until
// their final log is consumed or a retention window expires, then a
// background sweep collects them.
package runner
