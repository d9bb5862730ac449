// Package manager exposes the operations callers drive the platform
// with: site and device management, monitoring control, activity
// history, stats and job submission. It owns no state of its own;
// everything durable lives in the store.
package manager
