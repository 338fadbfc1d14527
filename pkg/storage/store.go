package storage

import (
	"github.com/cuemby/warren/pkg/types"
)

// Store defines the interface for ontology-store persistence: commits,
// resource versions, deltas, branches, locks, shadow indexes, the outbox,
// the dead-letter queue, and the subscriber's derived projections.
//
// AppendCommit is the one method that must share a transaction with
// another write (per §3's ownership note: "Outbox is owned by Commit
// Store, same transactional boundary"); BoltStore implements it
// atomically via a single bbolt transaction.
type Store interface {
	// Commits
	PutCommit(c *types.Commit) error
	GetCommit(hash string) (*types.Commit, error)
	HasCommit(hash string) (bool, error)

	// Resource versions
	PutResourceVersion(v *types.ResourceVersion) error
	GetResourceVersion(kind types.ResourceKind, resourceID, branch string, version int) (*types.ResourceVersion, error)
	GetLatestResourceVersion(kind types.ResourceKind, resourceID, branch string) (*types.ResourceVersion, error)
	ListResourceVersions(kind types.ResourceKind, resourceID, branch string) ([]*types.ResourceVersion, error)
	BranchResourceSummary(branch string) (map[types.ResourceKind]int, error)
	// AllResourceVersions returns every ResourceVersion row across every
	// kind, resource, and branch — the raw material the Merge Engine's
	// tree materialization filters by commit-chain reachability.
	AllResourceVersions() ([]*types.ResourceVersion, error)

	// AppendCommit persists a Commit, its ResourceVersion rows, and any
	// OutboxRows in one atomic unit — the transactional boundary §3 and
	// §8 (atomicity invariant) require.
	AppendCommit(c *types.Commit, versions []*types.ResourceVersion, outboxRows []*types.OutboxRow) error

	// Deltas
	PutDelta(d *types.Delta) error
	GetDelta(kind types.ResourceKind, resourceID, branch string, from, to int) (*types.Delta, error)

	// Branches
	PutBranch(b *types.Branch) error
	GetBranch(name string) (*types.Branch, error)
	ListBranches() ([]*types.Branch, error)
	DeleteBranch(name string) error
	// CompareAndSwapHead atomically moves a branch's head iff its current
	// head equals expectedHead, returning a StaleHead error otherwise.
	CompareAndSwapHead(name, expectedHead, newHead string) error

	// Locks
	PutLock(l *types.BranchLock) error
	GetLock(id string) (*types.BranchLock, error)
	DeleteLock(id string) error
	ListLocks(branch string) ([]*types.BranchLock, error)
	ListAllLocks() ([]*types.BranchLock, error)

	// Shadow indexes
	PutShadowIndex(s *types.ShadowIndex) error
	GetShadowIndex(id string) (*types.ShadowIndex, error)
	ListShadowIndexes(branch string) ([]*types.ShadowIndex, error)
	DeleteShadowIndex(id string) error

	// Outbox
	PutOutboxRow(o *types.OutboxRow) error
	ListPendingOutbox(limit int) ([]*types.OutboxRow, error)
	MarkOutboxPublished(id string, publishedAtUnixNano int64) error
	MarkOutboxFailed(id string, lastError string) error
	MoveOutboxToDead(id string, lastError string) error
	DeleteOutboxRow(id string) error

	// Dead-letter queue
	PutDLQEntry(e *types.DLQEntry) error
	ListDLQ(source string) ([]*types.DLQEntry, error)

	// Subscriber idempotency set
	MarkIngested(eventID string, expiresAtUnixNano int64) error
	IsIngested(eventID string) (bool, error)

	// Derived projections
	PutHistoryEntry(h *types.HistoryEntry) error
	PutAuditLogEntry(a *types.AuditLogEntry) error

	Close() error
}
