// Package lock implements the Lock Manager (C4): durable advisory locks
// over branch writes, the conflict matrix of §4.4, and a background
// sweeper that releases expired or heartbeat-stale locks. The sweeper's
// ticker-loop shape is adapted from the teacher's pkg/reconciler; what
// changes is the reconciliation unit, from node/container health to lock
// liveness.
package lock

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/errs"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sweepInterval = 20 * time.Second

// Manager implements the operations of §4.4.
type Manager struct {
	store  storage.Store
	broker *events.Broker
	log    zerolog.Logger
	source string

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Manager. broker may be nil in tests that do not need
// auto-release events published.
func New(store storage.Store, broker *events.Broker, log zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		log:    log.With().Str("component", "lock").Logger(),
		source: "oms/lock-manager",
		stopCh: make(chan struct{}),
	}
}

// Start begins the background sweeper.
func (m *Manager) Start() {
	go m.sweep()
}

// Stop stops the sweeper.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// lockKey returns the deterministic 64-bit hash §4.4 specifies as the
// advisory-primitive key: a function of (branch, scope, resource_kind,
// resource_id).
func lockKey(branch string, scope types.LockScope, kind types.ResourceKind, resourceID string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", branch, scope, kind, resourceID)
	return h.Sum64()
}

// conflicts implements the §4.4 conflict matrix between a requested lock
// R and a held lock H, both scoped to the same branch.
func conflicts(rScope types.LockScope, rKind types.ResourceKind, rID string, hScope types.LockScope, hKind types.ResourceKind, hID string) bool {
	if rScope == types.LockScopeBranch || hScope == types.LockScopeBranch {
		return true
	}
	if rScope == types.LockScopeResourceType && hScope == types.LockScopeResourceType {
		return rKind == hKind
	}
	if rScope == types.LockScopeResourceID && hScope == types.LockScopeResourceID {
		return rID == hID
	}
	// One RESOURCE_TYPE, one RESOURCE_ID: conflict only if the id belongs
	// to that type.
	var typeKind, idKind types.ResourceKind
	if rScope == types.LockScopeResourceType {
		typeKind, idKind = rKind, hKind
	} else {
		typeKind, idKind = hKind, rKind
	}
	return typeKind == idKind
}

// Acquire takes a lock, failing with LockConflict if a conflicting lock
// is already held on the branch.
func (m *Manager) Acquire(branch string, lockType types.LockType, scope types.LockScope, holder string, kind types.ResourceKind, resourceID string, ttl time.Duration, heartbeatInterval time.Duration, reason string) (*types.BranchLock, error) {
	const op = "lock.Acquire"
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.ListLocks(branch)
	if err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}
	now := time.Now().UTC()
	for _, h := range active {
		if h.ExpiresAt.Before(now) {
			continue
		}
		if h.Scope == scope && h.ResourceKind == kind && h.ResourceID == resourceID && h.Holder == holder {
			// Same-key reacquire by the same holder is idempotent.
			h.ReacquireCount++
			h.LastHeartbeat = now
			if err := m.store.PutLock(h); err != nil {
				return nil, errs.StorageUnavailable(op, err)
			}
			return h, nil
		}
		if conflicts(scope, kind, resourceID, h.Scope, h.ResourceKind, h.ResourceID) {
			return nil, errs.LockConflict(op, branch)
		}
	}

	l := &types.BranchLock{
		ID:                uuid.NewString(),
		Branch:            branch,
		Type:              lockType,
		Scope:             scope,
		ResourceKind:      kind,
		ResourceID:        resourceID,
		Holder:            holder,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(ttl),
		HeartbeatInterval: heartbeatInterval,
		LastHeartbeat:     now,
		AutoRelease:       true,
		Reason:            reason,
	}
	if err := m.store.PutLock(l); err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}
	m.publish(events.EventLockAcquired, branch, l)
	m.log.Info().Str("lock_id", l.ID).Str("branch", branch).Str("holder", holder).Msg("lock acquired")
	return l, nil
}

// Release releases a lock, failing with NotOwner on holder mismatch.
func (m *Manager) Release(lockID, holder string) error {
	const op = "lock.Release"
	l, err := m.store.GetLock(lockID)
	if err != nil {
		return errs.New(errs.NotFound, op, err.Error())
	}
	if l.Holder != holder {
		return errs.NotOwner(op, lockID)
	}
	if err := m.store.DeleteLock(lockID); err != nil {
		return errs.StorageUnavailable(op, err)
	}
	m.publish(events.EventLockReleased, l.Branch, l)
	m.log.Info().Str("lock_id", lockID).Msg("lock released")
	return nil
}

// Heartbeat extends last_heartbeat; it does not extend expires_at unless
// the lock uses a sliding TTL (not currently offered, so this is a no-op
// on expiry).
func (m *Manager) Heartbeat(lockID, holder string) error {
	const op = "lock.Heartbeat"
	l, err := m.store.GetLock(lockID)
	if err != nil {
		return errs.New(errs.NotFound, op, err.Error())
	}
	if l.Holder != holder {
		return errs.NotOwner(op, lockID)
	}
	l.LastHeartbeat = time.Now().UTC()
	if err := m.store.PutLock(l); err != nil {
		return errs.StorageUnavailable(op, err)
	}
	return nil
}

// ListActive lists locks on a branch, or every lock if branch is empty.
func (m *Manager) ListActive(branch string) ([]*types.BranchLock, error) {
	if branch == "" {
		return m.store.ListAllLocks()
	}
	return m.store.ListLocks(branch)
}

// CheckWritePermission implements branch.WritePermissionChecker: a write
// is allowed unless a held lock conflicts with the implied RESOURCE_ID or
// RESOURCE_TYPE (or whole-BRANCH) scope of the action.
func (m *Manager) CheckWritePermission(branch, action string, kind types.ResourceKind, resourceID string) (bool, string, error) {
	active, err := m.store.ListLocks(branch)
	if err != nil {
		return false, "", errs.StorageUnavailable("lock.CheckWritePermission", err)
	}
	now := time.Now().UTC()
	scope := types.LockScopeResourceID
	if resourceID == "" {
		scope = types.LockScopeResourceType
	}
	for _, h := range active {
		if h.ExpiresAt.Before(now) {
			continue
		}
		if conflicts(scope, kind, resourceID, h.Scope, h.ResourceKind, h.ResourceID) {
			return false, fmt.Sprintf("blocked by lock %s (%s) held by %s", h.ID, h.Reason, h.Holder), nil
		}
	}
	return true, "", nil
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	m.log.Info().Msg("lock sweeper started")
	for {
		select {
		case <-ticker.C:
			if err := m.sweepOnce(); err != nil {
				m.log.Error().Err(err).Msg("lock sweep failed")
			}
		case <-m.stopCh:
			m.log.Info().Msg("lock sweeper stopped")
			return
		}
	}
}

func (m *Manager) sweepOnce() error {
	all, err := m.store.ListAllLocks()
	if err != nil {
		return fmt.Errorf("lock sweep: list locks: %w", err)
	}
	now := time.Now().UTC()
	for _, l := range all {
		expired := l.ExpiresAt.Before(now)
		stale := l.AutoRelease && now.Sub(l.LastHeartbeat) > 2*l.HeartbeatInterval && l.HeartbeatInterval > 0
		if !expired && !stale {
			continue
		}
		if err := m.store.DeleteLock(l.ID); err != nil {
			m.log.Error().Err(err).Str("lock_id", l.ID).Msg("failed to auto-release lock")
			continue
		}
		m.publish(events.EventLockAutoReleased, l.Branch, l)
		m.log.Warn().Str("lock_id", l.ID).Str("branch", l.Branch).Bool("expired", expired).Bool("stale_heartbeat", stale).Msg("lock auto-released")
	}
	return nil
}

func (m *Manager) publish(eventType events.EventType, branch string, l *types.BranchLock) {
	if m.broker == nil {
		return
	}
	payload := map[string]any{
		"branch":      branch,
		"lock_id":     l.ID,
		"holder":      l.Holder,
		"actor":       l.Holder,
		"scope":       l.Scope,
		"type":        l.Type,
		"reason":      l.Reason,
		"resource_id": l.ResourceID,
	}
	env, err := events.NewEnvelope(m.source, eventType, payload)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to build lock event envelope")
		return
	}
	m.broker.Publish(env)
}
