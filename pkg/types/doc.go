/*
Package types defines the core data structures of the ontology store.

This package contains the domain model shared by every other package:
commits, resource versions, branches, deltas, locks, shadow indexes,
outbox rows, and merge conflicts. Nothing in this package talks to
storage, raft, or the network; it exists purely to give the rest of the
module a single, consistent vocabulary.

# Core Types

Versioning:
  - Commit: immutable, content-addressed schema snapshot
  - ResourceVersion: one entry in a resource's append-only version chain
  - Delta: cached transformation between two versions of a resource

Branching:
  - Branch: named mutable pointer to a commit
  - BranchState: ACTIVE, LOCKED_FOR_WRITE, MERGING, ARCHIVED, READY

Locking:
  - BranchLock: hierarchical advisory lock (branch / resource-type / resource-id)

Indexing:
  - ShadowIndex: lifecycle of a background index build and its atomic switch

Events:
  - OutboxRow: event staged atomically with the commit that produced it
  - HistoryEntry / AuditLogEntry: projections derived by the subscriber
  - DLQEntry: a message that exhausted its retry budget

Merging:
  - MergeConflict / MergeResult: graded output of a three-way merge

# Design Patterns

Enumeration pattern: all enums are typed string constants so invalid
states cannot compile, and so values round-trip through JSON as
readable strings (BoltDB stores everything as JSON).

Optional fields: nullable timestamps use *time.Time; every other field
is a zero-value-safe plain value, since most of these types cross a
raft Apply and must marshal deterministically.

# Thread Safety

Types here carry no synchronization of their own. Mutation is always
mediated by the package that owns the entity (commitstore owns Commit
and ResourceVersion, branch owns Branch, lock owns BranchLock,
shadowindex owns ShadowIndex, outbox owns OutboxRow and DLQEntry).
*/
package types
