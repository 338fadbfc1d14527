// Package replica wires the ontology store's mutating operations behind a
// single hashicorp/raft FSM, so that the Commit Store, Branch Registry,
// and Lock Manager apply their writes in one linearized order across
// replicas, while reads bypass consensus entirely. Grounded on the
// teacher's pkg/manager/fsm.go Command{Op,Data}-dispatch switch; the
// change here is the operation table (commits/branches/locks instead of
// nodes/services/containers) and the handlers it dispatches to, which are
// the actual domain packages rather than direct storage calls.
package replica

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/branch"
	"github.com/cuemby/warren/pkg/commitstore"
	"github.com/cuemby/warren/pkg/lock"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is one entry in the replicated log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Operation names dispatched by Apply.
const (
	OpAppendCommit   = "append_commit"
	OpCreateBranch   = "create_branch"
	OpAdvanceBranch  = "advance_branch"
	OpTransitionBranch = "transition_branch"
	OpDeleteBranch   = "delete_branch"
	OpAcquireLock    = "acquire_lock"
	OpReleaseLock    = "release_lock"
	OpHeartbeatLock  = "heartbeat_lock"
)

// FSM implements raft.FSM over the commit store, branch registry, and
// lock manager: commits, branch changes and lock acquire/heartbeat/release
// issued via Manager.Apply are written to storage.Store here. Other
// components write storage.Store directly: the shadow index coordinator
// (including its switch-time lock), the outbox publisher and subscriber,
// and the lock sweeper.
type FSM struct {
	mu    sync.Mutex
	store storage.Store

	commits  *commitstore.CommitStore
	branches *branch.Registry
	locks    *lock.Manager
}

// NewFSM constructs an FSM over already-wired domain components.
func NewFSM(store storage.Store, commits *commitstore.CommitStore, branches *branch.Registry, locks *lock.Manager) *FSM {
	return &FSM{store: store, commits: commits, branches: branches, locks: locks}
}

type appendCommitArgs struct {
	Parents         []string                `json:"parents"`
	Author          string                  `json:"author"`
	Time            time.Time               `json:"time"`
	Branch          string                  `json:"branch"`
	Message         string                  `json:"message"`
	Tree            []commitstore.TreeEntry `json:"tree"`
	OutboxEventType string                  `json:"outbox_event_type"`
}

type appendCommitResult struct {
	Commit   *types.Commit            `json:"commit"`
	Versions []*types.ResourceVersion `json:"versions"`
}

type createBranchArgs struct {
	Name       string `json:"name"`
	FromCommit string `json:"from_commit"`
}

type advanceBranchArgs struct {
	Name         string `json:"name"`
	ExpectedHead string `json:"expected_head"`
	NewHead      string `json:"new_head"`
}

type transitionBranchArgs struct {
	Name   string            `json:"name"`
	Target types.BranchState `json:"target"`
	Actor  string            `json:"actor"`
	Reason string            `json:"reason"`
}

type acquireLockArgs struct {
	Branch            string             `json:"branch"`
	Type              types.LockType     `json:"type"`
	Scope             types.LockScope    `json:"scope"`
	Holder            string             `json:"holder"`
	ResourceKind      types.ResourceKind `json:"resource_kind"`
	ResourceID        string             `json:"resource_id"`
	TTL               time.Duration      `json:"ttl"`
	HeartbeatInterval time.Duration      `json:"heartbeat_interval"`
	Reason            string             `json:"reason"`
}

type releaseLockArgs struct {
	LockID string `json:"lock_id"`
	Holder string `json:"holder"`
}

type heartbeatLockArgs struct {
	LockID string `json:"lock_id"`
	Holder string `json:"holder"`
}

// Apply dispatches one committed log entry to the matching domain
// operation. Returned errors are surfaced to the caller through the
// raft.ApplyFuture's Response(), matching the teacher's convention.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("replica: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpAppendCommit:
		var args appendCommitArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		commit, versions, err := f.commits.AppendCommit(args.Parents, args.Author, args.Time, args.Branch, args.Message, args.Tree, args.OutboxEventType)
		if err != nil {
			return err
		}
		return appendCommitResult{Commit: commit, Versions: versions}

	case OpCreateBranch:
		var args createBranchArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		b, err := f.branches.Create(args.Name, args.FromCommit)
		if err != nil {
			return err
		}
		return b

	case OpAdvanceBranch:
		var args advanceBranchArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.branches.Advance(args.Name, args.ExpectedHead, args.NewHead)

	case OpTransitionBranch:
		var args transitionBranchArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		b, err := f.branches.Transition(args.Name, args.Target, args.Actor, args.Reason)
		if err != nil {
			return err
		}
		return b

	case OpDeleteBranch:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.branches.Delete(name)

	case OpAcquireLock:
		var args acquireLockArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		l, err := f.locks.Acquire(args.Branch, args.Type, args.Scope, args.Holder, args.ResourceKind, args.ResourceID, args.TTL, args.HeartbeatInterval, args.Reason)
		if err != nil {
			return err
		}
		return l

	case OpReleaseLock:
		var args releaseLockArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.locks.Release(args.LockID, args.Holder)

	case OpHeartbeatLock:
		var args heartbeatLockArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.locks.Heartbeat(args.LockID, args.Holder)

	default:
		return fmt.Errorf("replica: unknown op %q", cmd.Op)
	}
}

// fsmSnapshot is a placeholder raft.FSMSnapshot: the state lives entirely
// in the BoltDB file and the snapshot carries none of it, so a node that
// joins receives only what the raft log replays, matching the teacher's
// own FSM snapshot shape.
type fsmSnapshot struct{}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Snapshot returns a no-op snapshot; durability comes from the underlying
// BoltDB file plus raft's log replay.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{}, nil
}

// Restore is a no-op for the same reason Snapshot is: state lives in the
// BoltDB file already present on disk.
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}
