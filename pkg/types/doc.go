// Package types defines the shared record types of the CMapper core:
// sites, devices and their connections, job status, module descriptors
// and results, and monitoring rules and samples.
//
// The types here are deliberately plain data. Behaviour lives in the
// packages that own each concern: pkg/storage persists Topology and
// MonitorDB, pkg/reconciler merges DiscoveryResults, pkg/runner drives
// JobStatus and pkg/monitor evaluates MonitorRules.
package types
