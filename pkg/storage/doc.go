/*
Package storage provides BoltDB-backed persistence for the ontology
store's commit graph, version chains, branches, locks, shadow indexes,
and outbox.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions across a commit and its
resource versions and outbox rows in one call (AppendCommit). All data is
serialized as JSON and stored in separate buckets for isolation, matching
the persisted state layout in §6.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/oms.db                   │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  commits            (hash)                   │          │
	│  │  resource_versions  (kind|id|branch|version) │          │
	│  │  version_deltas     (kind|id|branch|from|to) │          │
	│  │  branches           (name)                   │          │
	│  │  branch_locks       (lock id)                │          │
	│  │  shadow_indexes     (id)                     │          │
	│  │  outbox             (created_at|id)          │          │
	│  │  dlq                (id)                     │          │
	│  │  ingested_events    (event id)                │          │
	│  │  history            (id)                     │          │
	│  │  audit_log          (id)                     │          │
	│  └──────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Key Encoding

Resource versions and deltas are keyed so that a cursor prefix scan
recovers a resource's full chain in ascending version order — the
version number is zero-padded so lexical and numeric order agree.
Outbox rows are keyed by `created_at|id` so the publisher can page
through PENDING rows in the order §4.6 requires without a secondary
index.

# Thread Safety

BoltDB serializes writers and allows concurrent readers via MVCC; no
additional locking is required above what bbolt itself provides. Higher
level serialization (per-branch write ordering, lock admission) is the
responsibility of the commitstore, branch, and lock packages, not this
one.
*/
package storage
