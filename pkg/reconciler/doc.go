/*
Package reconciler merges a discovery module's reported devices and
connections into the topology snapshot.

The engine runs inside a single store transaction so a job's whole
result lands atomically:

	store.UpdateTopology(func(topo *types.Topology) error {
		stats, err := engine.Reconcile(topo, site, result, key, moduleID)
		...
	})

# Matching

Reported devices are matched against existing devices in the target
site by the module's declared natural key (normalised MAC or IP). A
match updates the fields the module is authoritative for (hardware
identifiers, vendor, platform, type, status, last_seen) and leaves
user-entered fields alone unless the report carries the explicit
Overwrite instruction. Locked devices are skipped. No match creates a
new device whose ID is a UUIDv5 over source + natural key, so the same
device discovered twice by the same module is always one record.

# Connections

Connection endpoints are resolved by the same natural-key matching.
An unresolved endpoint either becomes a minimal placeholder device or
the connection is skipped with a warning, per Policy; the engine never
stores one half of an edge without the other. Both the local entry and
the mirror on the remote device are written in the same pass, deduped
by the sorted device-ID pair.

Per-record problems are aggregated into Stats.Warnings and never abort
the batch.
*/
package reconciler
