// Package metrics exposes Prometheus instrumentation for the topology
// store, job runner, reconciliation engine and monitoring scheduler.
// Register wires the collectors into the default registry; Handler
// serves them over HTTP.
package metrics
