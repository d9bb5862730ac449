// Package monitor runs the fixed-interval reachability scheduler.
//
// Each tick probes every monitoring-enabled device concurrently,
// evaluates the per-device alerting rules and persists the derived
// state in one store write. A probe that cannot finish inside its
// deadline counts as unknown for the tick; the loop itself never
// stops on probe or store errors.
package monitor
