/*
Package storage implements the durable topology and monitoring store.

Two bbolt files live under the data directory: topology.db holds the
sites and devices snapshot, monitoring.db holds per-device monitoring
samples and rules. Records are JSON-marshalled per key.

# Transactional model

Every operation follows the same shape:

	open file (acquire lock, bounded) -> load snapshot -> mutate ->
	validate -> persist atomically -> close file (release lock)

The store exposes whole-snapshot transactions rather than per-record
CRUD:

	err := store.UpdateTopology(func(topo *types.Topology) error {
		topo.Devices = append(topo.Devices, device)
		return nil
	})

UpdateTopology loads the complete snapshot, runs the mutator, validates
the invariants (unique IDs, resolvable site references, no dangling
connection endpoints) and rewrites the buckets inside one bbolt
transaction. bbolt's commit makes the persist atomic; a crash mid-write
leaves the previous snapshot intact.

# Locking

The bbolt file is opened per operation with a bounded lock timeout
(default 3s). Concurrent writers, whether two jobs finishing at once or
an external process pointed at the same data directory, serialise on
the file lock. When the lock cannot be
acquired in time the operation fails with ErrBusy, which is retryable;
it never blocks indefinitely, so a stale lock from a crashed process
cannot deadlock the application.

# Corruption

A record that fails to decode surfaces as ErrCorrupt. The store never
replaces corrupt data with an empty snapshot; recovery is an explicit
operator action.
*/
package storage
