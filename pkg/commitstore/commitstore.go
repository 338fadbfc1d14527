// Package commitstore implements the Commit Store (C1): the immutable,
// content-addressed commit log, per-resource version chains, and delta
// retrieval. Grounded on oms-monolith/core/versioning/version_service.py
// (track_change, get_resource_version, get_delta, validate_etag) for exact
// hashing/ETag/delta-fallback semantics, and on the teacher's
// pkg/manager/fsm.go Apply/store-CRUD split for the "writes go through one
// path, reads bypass it" structure.
package commitstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/warren/pkg/delta"
	"github.com/cuemby/warren/pkg/errs"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/hashutil"
	"github.com/cuemby/warren/pkg/merge"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// eventSource identifies this component as a CloudEvents source, per §6.
const eventSource = "oms/commit-store"

// cloudEventPayload builds the CloudEvents envelope bytes staged in the
// outbox for a commit, per §6: data MUST include branch and commit_hash
// plus event-specific fields.
func cloudEventPayload(branch, commitHash, eventType string, versions []*types.ResourceVersion) ([]byte, error) {
	type resourceChange struct {
		ResourceKind types.ResourceKind `json:"resource_kind"`
		ResourceID   string             `json:"resource_id"`
		Version      int                `json:"version"`
		ChangeType   types.ChangeType   `json:"change_type"`
	}
	changes := make([]resourceChange, 0, len(versions))
	for _, v := range versions {
		changes = append(changes, resourceChange{v.ResourceKind, v.ResourceID, v.Version, v.ChangeType})
	}
	data := struct {
		Branch     string           `json:"branch"`
		CommitHash string           `json:"commit_hash"`
		Changes    []resourceChange `json:"changes"`
	}{Branch: branch, CommitHash: commitHash, Changes: changes}

	env, err := events.NewEnvelope(eventSource, events.EventType(eventType), data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Store is the subset of storage.Store the commit store reads and writes.
type Store = storage.Store

// CommitStore implements the operations of §4.1 against a Store.
type CommitStore struct {
	store     Store
	log       zerolog.Logger
	deltaCfg  delta.Config
}

// New constructs a CommitStore.
func New(store Store, log zerolog.Logger, deltaCfg delta.Config) *CommitStore {
	return &CommitStore{store: store, log: log.With().Str("component", "commitstore").Logger(), deltaCfg: deltaCfg}
}

// TreeEntry is one resource's content as carried in an append_commit call.
type TreeEntry struct {
	ResourceKind types.ResourceKind
	ResourceID   string
	Content      []byte
	ChangeType   types.ChangeType
	ChangeSummary string
	FieldsChanged []string
}

// AppendCommit validates parents, computes the content hash of the tree,
// and persists the commit atomically with the resulting ResourceVersions
// and OutboxRows, per §4.1.
func (cs *CommitStore) AppendCommit(parents []string, author string, t time.Time, branch, message string, tree []TreeEntry, outboxEventType string) (*types.Commit, []*types.ResourceVersion, error) {
	const op = "commitstore.AppendCommit"

	for _, p := range parents {
		ok, err := cs.store.HasCommit(p)
		if err != nil {
			return nil, nil, errs.StorageUnavailable(op, err)
		}
		if !ok {
			return nil, nil, errs.ConflictingParent(op, p)
		}
	}

	versions := make([]*types.ResourceVersion, 0, len(tree))
	treeHashInput := make([]byte, 0)
	for _, entry := range tree {
		if entry.ResourceID == "" {
			return nil, nil, errs.InvalidTree(op, "tree entry missing resource_id")
		}
		contentHash := hashutil.ContentHashBytes(entry.Content)
		treeHashInput = append(treeHashInput, []byte(contentHash)...)

		prev, err := cs.store.GetLatestResourceVersion(entry.ResourceKind, entry.ResourceID, branch)
		var prevVersion int
		var prevCommit string
		var prevContentHash string
		if err == nil && prev != nil {
			prevVersion = prev.Version
			prevCommit = prev.CommitHash
			prevContentHash = prev.ContentHash
		}

		// Idempotence: identical content is a no-op (§4.1, §8 boundary behaviors).
		if prev != nil && prevContentHash == contentHash {
			continue
		}

		versions = append(versions, &types.ResourceVersion{
			ResourceKind:  entry.ResourceKind,
			ResourceID:    entry.ResourceID,
			Branch:        branch,
			Version:       prevVersion + 1,
			ParentVersion: prevVersion,
			ParentCommit:  prevCommit,
			ContentHash:   contentHash,
			ContentSize:   len(entry.Content),
			ChangeType:    entry.ChangeType,
			ChangeSummary: entry.ChangeSummary,
			FieldsChanged: entry.FieldsChanged,
			Author:        author,
			Time:          t,
			Content:       entry.Content,
		})
	}

	if len(versions) == 0 {
		// Nothing changed: no commit, no event, matching the no-op
		// boundary behavior of §8.
		return nil, nil, nil
	}

	treeHash := hashutil.ContentHashBytes(treeHashInput)
	commitHash := hashutil.CommitHash(parents, treeHash, author, t)

	commit := &types.Commit{
		Hash:     commitHash,
		Parents:  parents,
		Author:   author,
		Time:     t,
		Message:  message,
		TreeHash: treeHash,
		Branch:   branch,
	}

	for _, v := range versions {
		v.CommitHash = commitHash
		v.ETag = hashutil.ETag(commitHash, v.Version)
	}

	var outboxRows []*types.OutboxRow
	if outboxEventType != "" {
		payload, _ := cloudEventPayload(branch, commitHash, outboxEventType, versions)
		outboxRows = append(outboxRows, &types.OutboxRow{
			ID:         uuid.NewString(),
			Branch:     branch,
			CommitHash: commitHash,
			EventType:  outboxEventType,
			Payload:    payload,
			CreatedAt:  t,
			Status:     types.OutboxStatusPending,
		})
	}

	if err := cs.store.AppendCommit(commit, versions, outboxRows); err != nil {
		return nil, nil, errs.StorageUnavailable(op, err)
	}

	cs.log.Info().Str("branch", branch).Str("commit", commitHash[:min(12, len(commitHash))]).
		Int("resources", len(versions)).Msg("appended commit")

	return commit, versions, nil
}

// TrackChange is a single-resource convenience path: it wraps AppendCommit
// for exactly one resource and returns the resulting ResourceVersion (or the existing one,
// unchanged, if content is identical — idempotence per §4.1).
func (cs *CommitStore) TrackChange(parent string, resourceKind types.ResourceKind, resourceID, branch string, content []byte, changeType types.ChangeType, author string, changeSummary string, fieldsChanged []string, outboxEventType string) (*types.ResourceVersion, error) {
	const op = "commitstore.TrackChange"

	var parents []string
	if parent != "" {
		parents = []string{parent}
	}

	_, versions, err := cs.AppendCommit(parents, author, time.Now().UTC(), branch, fmt.Sprintf("%s %s/%s", changeType, resourceKind, resourceID),
		[]TreeEntry{{ResourceKind: resourceKind, ResourceID: resourceID, Content: content, ChangeType: changeType, ChangeSummary: changeSummary, FieldsChanged: fieldsChanged}},
		outboxEventType)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		existing, getErr := cs.store.GetLatestResourceVersion(resourceKind, resourceID, branch)
		if getErr != nil {
			return nil, errs.New(errs.NotFound, op, "resource has no prior version and no content change")
		}
		return existing, nil
	}
	return versions[0], nil
}

// GetCommit fetches a commit by hash.
func (cs *CommitStore) GetCommit(hash string) (*types.Commit, error) {
	c, err := cs.store.GetCommit(hash)
	if err != nil {
		return nil, errs.New(errs.NotFound, "commitstore.GetCommit", err.Error())
	}
	return c, nil
}

// GetResourceVersion returns a specific version, or the latest if version
// is nil.
func (cs *CommitStore) GetResourceVersion(kind types.ResourceKind, resourceID, branch string, version *int) (*types.ResourceVersion, error) {
	const op = "commitstore.GetResourceVersion"
	var v *types.ResourceVersion
	var err error
	if version == nil {
		v, err = cs.store.GetLatestResourceVersion(kind, resourceID, branch)
	} else {
		v, err = cs.store.GetResourceVersion(kind, resourceID, branch, *version)
	}
	if err != nil {
		return nil, errs.New(errs.NotFound, op, err.Error())
	}
	return v, nil
}

// DeltaRequest mirrors §4.7's get_delta request shape.
type DeltaRequest struct {
	ClientETag    string
	ClientVersion *int
}

// DeltaResponse mirrors §4.7's get_delta response shape.
type DeltaResponse struct {
	ResponseType string // no_change | delta | full
	FromVersion  *types.ResourceVersion
	ToVersion    *types.ResourceVersion
	DeltaType    types.DeltaType
	Payload      []byte
	TotalChanges int
	DeltaSize    int
	ETag         string
}

// GetDelta implements §4.1's delta policy: try a cached/computed
// JSON_PATCH between the client's and current version, falling back to
// FULL. The precedence is confirmed against
// oms-monolith/core/versioning/version_service.py::get_delta.
func (cs *CommitStore) GetDelta(kind types.ResourceKind, resourceID, branch string, req DeltaRequest) (*DeltaResponse, error) {
	current, err := cs.store.GetLatestResourceVersion(kind, resourceID, branch)
	if err != nil {
		return &DeltaResponse{ResponseType: "no_change"}, nil
	}

	if req.ClientETag == current.ETag {
		return &DeltaResponse{ResponseType: "no_change", ToVersion: current, ETag: current.ETag}, nil
	}

	var clientVersion *types.ResourceVersion
	if req.ClientVersion != nil {
		clientVersion, _ = cs.store.GetResourceVersion(kind, resourceID, branch, *req.ClientVersion)
	}

	if clientVersion != nil {
		if cached, _ := cs.store.GetDelta(kind, resourceID, branch, clientVersion.Version, current.Version); cached != nil {
			return &DeltaResponse{
				ResponseType: "delta",
				FromVersion:  clientVersion,
				ToVersion:    current,
				DeltaType:    cached.Type,
				Payload:      cached.Payload,
				TotalChanges: 1,
				DeltaSize:    cached.Size,
				ETag:         current.ETag,
			}, nil
		}

		// Recompute synchronously if the prior content is retrievable.
		deltaType, payload, encErr := delta.Encode(cs.deltaCfg, clientVersion.Content, current.Content)
		if encErr == nil {
			d := &types.Delta{
				ResourceKind: kind, ResourceID: resourceID, Branch: branch,
				FromVersion: clientVersion.Version, ToVersion: current.Version,
				Type: deltaType, Payload: payload, Size: len(payload), CreatedAt: time.Now().UTC(),
			}
			_ = cs.store.PutDelta(d)
			return &DeltaResponse{
				ResponseType: "delta",
				FromVersion:  clientVersion,
				ToVersion:    current,
				DeltaType:    deltaType,
				Payload:      payload,
				TotalChanges: 1,
				DeltaSize:    len(payload),
				ETag:         current.ETag,
			}, nil
		}
	}

	return &DeltaResponse{
		ResponseType: "full",
		FromVersion:  clientVersion,
		ToVersion:    current,
		DeltaType:    types.DeltaTypeFull,
		Payload:      current.Content,
		TotalChanges: 1,
		DeltaSize:    len(current.Content),
		ETag:         current.ETag,
	}, nil
}

// CommonAncestor finds the lowest common ancestor of two commits by
// parent traversal, per §4.1. Returns "" if none exists.
func (cs *CommitStore) CommonAncestor(commitA, commitB string) (string, error) {
	ancestorsA, err := cs.ancestorSet(commitA)
	if err != nil {
		return "", err
	}
	// BFS from commitB, return the first commit already seen in ancestorsA —
	// this is not necessarily the deepest LCA in a general DAG with multiple
	// merge points, but for the branch/merge-commit topology this store
	// produces (at most two parents, linear history within a branch plus
	// merge points), the first shared ancestor found via BFS from B is the
	// lowest one on B's path.
	visited := map[string]bool{}
	queue := []string{commitB}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true
		if ancestorsA[h] {
			return h, nil
		}
		c, err := cs.store.GetCommit(h)
		if err != nil {
			continue
		}
		queue = append(queue, c.Parents...)
	}
	return "", nil
}

// MaterializeTree reconstructs the merge.ObjectTree visible as of
// commitHash: for every (resource_kind, resource_id) pair, the most
// recent ResourceVersion whose CommitHash lies in commitHash's ancestor
// set (walked via ancestorSet, ignoring which branch originally wrote the
// version — a resource inherited from a fork-point ancestor is still part
// of the tree even though its ResourceVersion.Branch names the parent
// branch). A "" commitHash is the tree of an as-yet-empty branch.
//
// Property resources are split into (owner object, property name) via
// splitPropertyID to populate ObjectTree.Properties, following the
// "{object_id}.{property_name}" resource-id convention
// oms-monolith/core/versioning/merge_engine.py's own entity_id
// construction uses for property conflicts.
func (cs *CommitStore) MaterializeTree(commitHash string) (*merge.ObjectTree, error) {
	const op = "commitstore.MaterializeTree"
	tree := merge.NewObjectTree()
	if commitHash == "" {
		return tree, nil
	}

	ancestors, err := cs.ancestorSet(commitHash)
	if err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}

	all, err := cs.store.AllResourceVersions()
	if err != nil {
		return nil, errs.StorageUnavailable(op, err)
	}

	type latestKey struct {
		kind types.ResourceKind
		id   string
	}
	latest := make(map[latestKey]*types.ResourceVersion)
	for _, v := range all {
		if !ancestors[v.CommitHash] {
			continue
		}
		k := latestKey{v.ResourceKind, v.ResourceID}
		if cur, ok := latest[k]; !ok || v.Version > cur.Version {
			latest[k] = v
		}
	}

	for k, v := range latest {
		if v.ChangeType == types.ChangeTypeDelete {
			continue
		}
		var addErr error
		switch k.kind {
		case types.ResourceKindProperty:
			owner, name := splitPropertyID(k.id)
			addErr = tree.AddProperty(owner, name, v.Content)
		case types.ResourceKindLinkType:
			addErr = tree.AddLink(k.id, v.Content)
		default:
			addErr = tree.AddObject(k.id, v.Content)
		}
		if addErr != nil {
			return nil, errs.InvalidTree(op, addErr.Error())
		}
	}

	return tree, nil
}

func splitPropertyID(resourceID string) (owner, name string) {
	if i := strings.LastIndex(resourceID, "."); i >= 0 {
		return resourceID[:i], resourceID[i+1:]
	}
	return resourceID, resourceID
}

func (cs *CommitStore) ancestorSet(hash string) (map[string]bool, error) {
	set := map[string]bool{}
	queue := []string{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if set[h] {
			continue
		}
		set[h] = true
		c, err := cs.store.GetCommit(h)
		if err != nil {
			continue
		}
		queue = append(queue, c.Parents...)
	}
	return set, nil
}

// BranchSummary is a supplemental read op (SPEC_FULL.md §12) surfacing
// per-resource-kind counts for a branch.
func (cs *CommitStore) BranchSummary(branch string) (map[types.ResourceKind]int, error) {
	return cs.store.BranchResourceSummary(branch)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
