// Package modules implements the discovery modules and their registry.
//
// A module is a self-describing unit of discovery work: it declares
// its inputs through a descriptor and emits a structured result of
// devices and connections keyed by a natural key (MAC or IP). Modules
// never touch the topology store; the job runner feeds their results
// through the reconciler.
package modules
