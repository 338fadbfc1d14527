// Package branch implements the Branch Registry (C2): named, mutable
// heads over the commit DAG, the branch state machine of §4.2, and write
// admission via the Lock Manager. Grounded on the teacher's
// pkg/manager/manager.go CRUD-wrapper-over-Apply pattern for create/head
// and on storage.BoltStore.CompareAndSwapHead for the StaleHead semantics
// the teacher's raft FSM gives for free.
package branch

import (
	"time"

	"github.com/cuemby/warren/pkg/errs"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// WritePermissionChecker is the capability the registry consults before
// admitting a write, implemented by pkg/lock.Manager.
type WritePermissionChecker interface {
	CheckWritePermission(branch, action string, resourceKind types.ResourceKind, resourceID string) (allowed bool, reason string, err error)
}

// Registry implements the operations of §4.2.
type Registry struct {
	store  storage.Store
	locks  WritePermissionChecker
	broker *events.Broker
	log    zerolog.Logger
	source string
}

// New constructs a Registry. locks and broker may be nil in tests that do
// not exercise write admission or event publication.
func New(store storage.Store, locks WritePermissionChecker, broker *events.Broker, log zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		locks:  locks,
		broker: broker,
		log:    log.With().Str("component", "branch").Logger(),
		source: "oms/branch-registry",
	}
}

// validTransitions encodes the state machine of §4.2.
var validTransitions = map[types.BranchState]map[types.BranchState]bool{
	types.BranchStateActive:         {types.BranchStateLockedForWrite: true, types.BranchStateMerging: true, types.BranchStateArchived: true, types.BranchStateReady: true},
	types.BranchStateLockedForWrite: {types.BranchStateActive: true, types.BranchStateReady: true},
	types.BranchStateMerging:        {types.BranchStateActive: true, types.BranchStateReady: true},
	types.BranchStateArchived:       {},
	types.BranchStateReady:          {types.BranchStateActive: true, types.BranchStateLockedForWrite: true, types.BranchStateMerging: true, types.BranchStateArchived: true},
}

// Create registers a new branch pointing at fromCommit, in ACTIVE state.
func (r *Registry) Create(name, fromCommit string) (*types.Branch, error) {
	const op = "branch.Create"
	if _, err := r.store.GetBranch(name); err == nil {
		return nil, errs.New(errs.Validation, op, "branch already exists: "+name)
	}
	if fromCommit != "" {
		if ok, err := r.store.HasCommit(fromCommit); err != nil {
			return nil, errs.StorageUnavailable(op, err)
		} else if !ok {
			return nil, errs.New(errs.Validation, op, "unknown commit: "+fromCommit)
		}
	}
	now := time.Now().UTC()
	b := &types.Branch{
		Name:      name,
		Head:      fromCommit,
		State:     types.BranchStateActive,
		Parent:    "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.PutBranch(b); err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}
	r.log.Info().Str("branch", name).Str("head", fromCommit).Msg("branch created")
	r.publish(events.EventBranchCreated, name, fromCommit, "")
	return b, nil
}

func (r *Registry) publish(eventType events.EventType, branch, commitHash, actor string) {
	if r.broker == nil {
		return
	}
	payload := map[string]any{
		"branch":      branch,
		"commit_hash": commitHash,
		"actor":       actor,
	}
	env, err := events.NewEnvelope(r.source, eventType, payload)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build branch event envelope")
		return
	}
	r.broker.Publish(env)
}

// Head returns the current commit hash a branch points to.
func (r *Registry) Head(name string) (string, error) {
	b, err := r.store.GetBranch(name)
	if err != nil {
		return "", errs.New(errs.NotFound, "branch.Head", err.Error())
	}
	return b.Head, nil
}

// Get returns the full Branch record.
func (r *Registry) Get(name string) (*types.Branch, error) {
	b, err := r.store.GetBranch(name)
	if err != nil {
		return nil, errs.New(errs.NotFound, "branch.Get", err.Error())
	}
	return b, nil
}

// Advance performs a compare-and-swap of a branch's head: it succeeds
// only if the stored head still equals expectedHead, failing with
// StaleHead otherwise (§4.2, §5 ordering guarantee).
func (r *Registry) Advance(name, expectedHead, newHead string) error {
	const op = "branch.Advance"
	if err := r.store.CompareAndSwapHead(name, expectedHead, newHead); err != nil {
		return errs.StaleHead(op, name, expectedHead, currentHeadOrUnknown(r.store, name))
	}
	return nil
}

func currentHeadOrUnknown(store storage.Store, name string) string {
	if b, err := store.GetBranch(name); err == nil {
		return b.Head
	}
	return "unknown"
}

// Transition moves a branch to targetState if the transition is legal per
// the state machine in §4.2.
func (r *Registry) Transition(name string, target types.BranchState, actor, reason string) (*types.Branch, error) {
	const op = "branch.Transition"
	b, err := r.store.GetBranch(name)
	if err != nil {
		return nil, errs.New(errs.NotFound, op, err.Error())
	}
	if b.State == target {
		return b, nil
	}
	allowed := validTransitions[b.State]
	if allowed == nil || !allowed[target] {
		return nil, errs.New(errs.Validation, op, "illegal transition "+string(b.State)+" -> "+string(target))
	}
	b.State = target
	b.UpdatedAt = time.Now().UTC()
	if err := r.store.PutBranch(b); err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}
	r.log.Info().Str("branch", name).Str("to_state", string(target)).Str("actor", actor).Str("reason", reason).Msg("branch transitioned")
	return b, nil
}

// Delete removes a branch. Only ARCHIVED branches may be deleted, per §3.
func (r *Registry) Delete(name string) error {
	const op = "branch.Delete"
	b, err := r.store.GetBranch(name)
	if err != nil {
		return errs.New(errs.NotFound, op, err.Error())
	}
	if b.State != types.BranchStateArchived {
		return errs.New(errs.Validation, op, "branch must be ARCHIVED before deletion")
	}
	return r.store.DeleteBranch(name)
}

// List returns all branches.
func (r *Registry) List() ([]*types.Branch, error) {
	return r.store.ListBranches()
}

// CheckWritePermission consults the Lock Manager before any write is
// admitted, per §4.2: "Admission is ALLOWED unless a conflicting lock
// exists per §4.4 matrix."
func (r *Registry) CheckWritePermission(branch, action string, resourceKind types.ResourceKind, resourceID string) (bool, string, error) {
	if r.locks == nil {
		return true, "", nil
	}
	return r.locks.CheckWritePermission(branch, action, resourceKind, resourceID)
}
