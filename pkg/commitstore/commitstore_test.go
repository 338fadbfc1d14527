package commitstore

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/delta"
	"github.com/cuemby/warren/pkg/merge"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestCommitStore(t *testing.T) *CommitStore {
	return New(newTestStore(t), zerolog.Nop(), delta.DefaultConfig())
}

func objContent(name string) []byte {
	return []byte(`{"name":"` + name + `"}`)
}

// TestMaterializeTree_EmptyHash confirms the as-yet-empty-branch case
// returns an empty tree rather than an error.
func TestMaterializeTree_EmptyHash(t *testing.T) {
	cs := newTestCommitStore(t)
	tree, err := cs.MaterializeTree("")
	require.NoError(t, err)
	assert.Empty(t, tree.Objects)
	assert.Empty(t, tree.Properties)
	assert.Empty(t, tree.Links)
}

// TestMaterializeTree_WalksAncestorChain checks that a tree materialized at
// a descendant commit includes resources written by its ancestors, and that
// a later version of the same resource shadows an earlier one.
func TestMaterializeTree_WalksAncestorChain(t *testing.T) {
	cs := newTestCommitStore(t)
	now := time.Now().UTC()

	c1, _, err := cs.AppendCommit(nil, "alice", now, "main", "create widget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget-v1"), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, _, err := cs.AppendCommit([]string{c1.Hash}, "alice", now.Add(time.Second), "main", "create gadget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "gadget", Content: objContent("gadget-v1"), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)
	require.NotNil(t, c2)

	c3, _, err := cs.AppendCommit([]string{c2.Hash}, "alice", now.Add(2*time.Second), "main", "update widget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget-v2"), ChangeType: types.ChangeTypeUpdate}}, "")
	require.NoError(t, err)
	require.NotNil(t, c3)

	tree, err := cs.MaterializeTree(c3.Hash)
	require.NoError(t, err)
	require.Contains(t, tree.Objects, "widget")
	require.Contains(t, tree.Objects, "gadget")
	assert.Equal(t, "widget-v2", tree.Objects["widget"]["name"])
	assert.Equal(t, "gadget-v1", tree.Objects["gadget"]["name"])

	// At c2, the widget update hasn't happened yet.
	treeAt2, err := cs.MaterializeTree(c2.Hash)
	require.NoError(t, err)
	assert.Equal(t, "widget-v1", treeAt2.Objects["widget"]["name"])
}

// TestMaterializeTree_PropertySplit confirms property resource ids are
// split into (owner, name) on the last dot.
func TestMaterializeTree_PropertySplit(t *testing.T) {
	cs := newTestCommitStore(t)
	c1, _, err := cs.AppendCommit(nil, "alice", time.Now().UTC(), "main", "add property",
		[]TreeEntry{{ResourceKind: types.ResourceKindProperty, ResourceID: "widget.color", Content: []byte(`{"type":"string"}`), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)

	tree, err := cs.MaterializeTree(c1.Hash)
	require.NoError(t, err)
	require.Contains(t, tree.Properties, "widget")
	require.Contains(t, tree.Properties["widget"], "color")
	assert.Equal(t, "string", tree.Properties["widget"]["color"]["type"])
}

// TestMaterializeTree_DeletedResourceOmitted confirms a resource whose
// latest reachable version is a delete does not appear in the tree.
func TestMaterializeTree_DeletedResourceOmitted(t *testing.T) {
	cs := newTestCommitStore(t)
	now := time.Now().UTC()
	c1, _, err := cs.AppendCommit(nil, "alice", now, "main", "create widget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget-v1"), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)

	c2, _, err := cs.AppendCommit([]string{c1.Hash}, "alice", now.Add(time.Second), "main", "delete widget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget-v1-gone"), ChangeType: types.ChangeTypeDelete}}, "")
	require.NoError(t, err)

	tree, err := cs.MaterializeTree(c2.Hash)
	require.NoError(t, err)
	assert.NotContains(t, tree.Objects, "widget")
}

// TestMergeBranches_PropertyTypeConflictDetected is the end-to-end proof
// that MergeBranches no longer runs against empty trees: two branches
// forked from a common ancestor each retype the same property
// incompatibly, and the merge engine must surface an ERROR conflict built
// from the materialized trees.
func TestMergeBranches_PropertyTypeConflictDetected(t *testing.T) {
	cs := newTestCommitStore(t)
	now := time.Now().UTC()

	base, _, err := cs.AppendCommit(nil, "alice", now, "main", "add widget.size",
		[]TreeEntry{
			{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget"), ChangeType: types.ChangeTypeCreate},
			{ResourceKind: types.ResourceKindProperty, ResourceID: "widget.size", Content: []byte(`{"type":"string"}`), ChangeType: types.ChangeTypeCreate},
		}, "")
	require.NoError(t, err)
	require.NotNil(t, base)

	// target (main) retypes size to integer.
	target, _, err := cs.AppendCommit([]string{base.Hash}, "alice", now.Add(time.Second), "main", "retype size to integer",
		[]TreeEntry{{ResourceKind: types.ResourceKindProperty, ResourceID: "widget.size", Content: []byte(`{"type":"integer"}`), ChangeType: types.ChangeTypeUpdate}}, "")
	require.NoError(t, err)

	// source (feature) retypes size to double, incompatible with integer.
	source, _, err := cs.AppendCommit([]string{base.Hash}, "bob", now.Add(time.Second), "feature", "retype size to double",
		[]TreeEntry{{ResourceKind: types.ResourceKindProperty, ResourceID: "widget.size", Content: []byte(`{"type":"double"}`), ChangeType: types.ChangeTypeUpdate}}, "")
	require.NoError(t, err)

	sourceTree, err := cs.MaterializeTree(source.Hash)
	require.NoError(t, err)
	targetTree, err := cs.MaterializeTree(target.Hash)
	require.NoError(t, err)
	ancestorTree, err := cs.MaterializeTree(base.Hash)
	require.NoError(t, err)

	engine := merge.New(zerolog.Nop())
	result, err := engine.MergeBranches(sourceTree, targetTree, ancestorTree, source.Hash, target.Hash, base.Hash, merge.Options{})
	require.NoError(t, err)

	require.NotEmpty(t, result.Conflicts, "expected a property-type conflict from the diverging branches, got none")
	found := false
	for _, c := range result.Conflicts {
		if c.Type == types.ConflictTypePropertyType && c.ResourceID == "widget" && c.FieldPath == "size" {
			found = true
			assert.Equal(t, types.SeverityError, c.Severity, "double -> integer is graded ERROR by the property-type matrix")
		}
	}
	assert.True(t, found, "expected a property-type conflict on widget.size")
	assert.Equal(t, "manual_required", result.Status)
}

// TestMergeBranches_UnrelatedHistoriesBlocked confirms the nil-ancestor
// BLOCK path still fires when MergeBranches is given real materialized
// source and target trees but no ancestor (unrelated histories).
func TestMergeBranches_UnrelatedHistoriesBlocked(t *testing.T) {
	cs := newTestCommitStore(t)
	now := time.Now().UTC()

	a, _, err := cs.AppendCommit(nil, "alice", now, "main", "create widget",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "widget", Content: objContent("widget"), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)

	b, _, err := cs.AppendCommit(nil, "bob", now, "other", "create gizmo",
		[]TreeEntry{{ResourceKind: types.ResourceKindObjectType, ResourceID: "gizmo", Content: objContent("gizmo"), ChangeType: types.ChangeTypeCreate}}, "")
	require.NoError(t, err)

	sourceTree, err := cs.MaterializeTree(a.Hash)
	require.NoError(t, err)
	targetTree, err := cs.MaterializeTree(b.Hash)
	require.NoError(t, err)

	engine := merge.New(zerolog.Nop())
	result, err := engine.MergeBranches(sourceTree, targetTree, nil, a.Hash, b.Hash, "", merge.Options{})
	require.NoError(t, err)
	assert.Equal(t, "blocked", result.Status)
	assert.Equal(t, types.SeverityBlock, result.MaxSeverity)
}
