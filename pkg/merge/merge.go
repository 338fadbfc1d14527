// Package merge implements the Merge Engine (C3): three-way diffing of
// schema trees, conflict detection and severity grading per §4.3, circular
// required-dependency detection, fast-forward shortcutting, and
// auto-resolution of INFO/WARN conflicts. Grounded on
// oms-monolith/core/versioning/merge_engine.py's detect/grade/resolve
// pipeline, reorganized around Go's exported-struct-plus-method style in
// place of the Python module's free functions. Ancestor resolution and
// commit construction are left to callers; this package imports neither.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// ObjectTree is the parsed representation of a branch's schema snapshot
// at a given commit: one entry per resource, keyed by (kind, id).
type ObjectTree struct {
	Objects    map[string]map[string]any // resource_id -> content
	Properties map[string]map[string]map[string]any // object_id -> prop_name -> content
	Links      map[string]map[string]any // link_id -> content
}

// NewObjectTree returns an empty ObjectTree, to be filled with AddObject,
// AddProperty and AddLink.
func NewObjectTree() *ObjectTree {
	return &ObjectTree{
		Objects:    map[string]map[string]any{},
		Properties: map[string]map[string]map[string]any{},
		Links:      map[string]map[string]any{},
	}
}

// AddObject registers an object-type resource.
func (t *ObjectTree) AddObject(id string, content []byte) error {
	var m map[string]any
	if err := json.Unmarshal(content, &m); err != nil {
		return fmt.Errorf("merge: invalid object content for %s: %w", id, err)
	}
	t.Objects[id] = m
	return nil
}

// AddProperty registers a property resource owned by ownerObjectID.
func (t *ObjectTree) AddProperty(ownerObjectID, name string, content []byte) error {
	var m map[string]any
	if err := json.Unmarshal(content, &m); err != nil {
		return fmt.Errorf("merge: invalid property content for %s.%s: %w", ownerObjectID, name, err)
	}
	if t.Properties[ownerObjectID] == nil {
		t.Properties[ownerObjectID] = map[string]map[string]any{}
	}
	t.Properties[ownerObjectID][name] = m
	return nil
}

// AddLink registers a link-type resource.
func (t *ObjectTree) AddLink(id string, content []byte) error {
	var m map[string]any
	if err := json.Unmarshal(content, &m); err != nil {
		return fmt.Errorf("merge: invalid link content for %s: %w", id, err)
	}
	t.Links[id] = m
	return nil
}

// Engine runs merges between two ObjectTrees relative to an optional
// common ancestor.
type Engine struct {
	log zerolog.Logger
}

// New constructs an Engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "merge").Logger()}
}

// Options controls a single MergeBranches call.
type Options struct {
	AutoResolve bool
	DryRun      bool
	Forced      bool // bypass the BLOCK on "unrelated histories"
}

// cardinalityMatrix implements §4.3's cardinality matrix.
var cardinalityMatrix = map[[2]string]types.ConflictSeverity{
	{"1:1", "1:1"}: types.SeverityInfo,
	{"1:1", "1:N"}: types.SeverityInfo,
	{"1:1", "N:M"}: types.SeverityWarn,
	{"1:N", "1:1"}: types.SeverityError,
	{"1:N", "1:N"}: types.SeverityInfo,
	{"1:N", "N:M"}: types.SeverityWarn,
	{"N:M", "1:1"}: types.SeverityError,
	{"N:M", "1:N"}: types.SeverityError,
	{"N:M", "N:M"}: types.SeverityInfo,
}

// propertyTypeMatrix implements §4.3's sample property-type matrix,
// extensible by registration via RegisterPropertyTypeRule.
var propertyTypeMatrix = map[[2]string]types.ConflictSeverity{
	{"string", "text"}:    types.SeverityInfo,
	{"text", "string"}:    types.SeverityInfo,
	{"integer", "long"}:   types.SeverityInfo,
	{"float", "double"}:   types.SeverityInfo,
	{"json", "string"}:    types.SeverityWarn,
	{"string", "integer"}: types.SeverityError,
	{"double", "integer"}: types.SeverityError,
}

// RegisterPropertyTypeRule extends the property-type matrix at runtime.
func RegisterPropertyTypeRule(from, to string, severity types.ConflictSeverity) {
	propertyTypeMatrix[[2]string{from, to}] = severity
}

func gradePropertyType(from, to string, requiredRemoved bool) types.ConflictSeverity {
	if requiredRemoved {
		return types.SeverityError
	}
	if sev, ok := propertyTypeMatrix[[2]string{from, to}]; ok {
		return sev
	}
	if from == "json" || to == "json" {
		return types.SeverityWarn
	}
	return types.SeverityError
}

func gradeCardinality(from, to string) types.ConflictSeverity {
	if from == to {
		return types.SeverityInfo
	}
	if sev, ok := cardinalityMatrix[[2]string{from, to}]; ok {
		return sev
	}
	return types.SeverityError
}

// MergeBranches performs a three-way merge of source into target relative
// to ancestor (nil means unrelated histories). Resolution of the actual
// commit append is left to the caller (pkg/manager) via MergeCommit on
// the returned result; this function only computes conflicts and the
// fast-forward/no-op decision.
func (e *Engine) MergeBranches(source, target, ancestor *ObjectTree, sourceHead, targetHead, ancestorHash string, opts Options) (*types.MergeResult, error) {
	if ancestor == nil && !opts.Forced {
		return &types.MergeResult{
			Status:      "blocked",
			MaxSeverity: types.SeverityBlock,
			Conflicts: []types.MergeConflict{{
				Type:        types.ConflictTypeCircularDependency,
				Severity:    types.SeverityBlock,
				Description: "unrelated histories: no common ancestor",
			}},
		}, nil
	}

	if ancestorHash != "" && ancestorHash == targetHead {
		return &types.MergeResult{Status: "success", FastForward: true, MergeCommit: sourceHead}, nil
	}
	if ancestorHash != "" && ancestorHash == sourceHead {
		return &types.MergeResult{Status: "success", FastForward: false}, nil
	}

	var conflicts []types.MergeConflict
	conflicts = append(conflicts, detectObjectConflicts(source, target, ancestor)...)
	conflicts = append(conflicts, detectPropertyConflicts(source, target)...)
	conflicts = append(conflicts, detectLinkConflicts(source, target)...)

	sortConflicts(conflicts)

	maxSeverity := types.SeverityInfo
	for _, c := range conflicts {
		maxSeverity = types.MaxSeverity(maxSeverity, c.Severity)
	}

	result := &types.MergeResult{Conflicts: conflicts, MaxSeverity: maxSeverity}

	switch {
	case maxSeverity == types.SeverityBlock:
		result.Status = "blocked"
	case maxSeverity == types.SeverityError:
		result.Status = "manual_required"
	default:
		result.Status = "success"
		if opts.AutoResolve {
			applyAutoResolutions(conflicts)
		}
	}

	return result, nil
}

func detectObjectConflicts(source, target, ancestor *ObjectTree) []types.MergeConflict {
	var conflicts []types.MergeConflict
	var ancestorObjects map[string]map[string]any
	if ancestor != nil {
		ancestorObjects = ancestor.Objects
	}

	for id, sourceObj := range source.Objects {
		targetObj, inTarget := target.Objects[id]
		if !inTarget {
			continue
		}
		ancestorObj, hadAncestor := ancestorObjects[id]
		if hadAncestor && !jsonEqual(sourceObj, ancestorObj) && !jsonEqual(targetObj, ancestorObj) && !jsonEqual(sourceObj, targetObj) {
			conflicts = append(conflicts, types.MergeConflict{
				Type:         types.ConflictTypeNameCollision,
				Severity:     types.SeverityWarn,
				ResourceKind: types.ResourceKindObjectType,
				ResourceID:   id,
				Description:  fmt.Sprintf("object %s modified in both branches", id),
				Resolution:   "merge_properties",
			})
		}
	}

	for id, sourceObj := range source.Objects {
		if _, inTarget := target.Objects[id]; inTarget {
			continue
		}
		ancestorObj, hadAncestor := ancestorObjects[id]
		if hadAncestor && !jsonEqual(sourceObj, ancestorObj) {
			conflicts = append(conflicts, types.MergeConflict{
				Type:         types.ConflictTypeDeleteModify,
				Severity:     types.SeverityError,
				ResourceKind: types.ResourceKindObjectType,
				ResourceID:   id,
				Description:  fmt.Sprintf("object %s deleted in target but modified in source", id),
			})
		}
	}

	return conflicts
}

func detectPropertyConflicts(source, target *ObjectTree) []types.MergeConflict {
	var conflicts []types.MergeConflict
	for objID, sourceProps := range source.Properties {
		targetProps, ok := target.Properties[objID]
		if !ok {
			continue
		}
		for name, sourceProp := range sourceProps {
			targetProp, ok := targetProps[name]
			if !ok {
				continue
			}
			sourceType, _ := sourceProp["type"].(string)
			targetType, _ := targetProp["type"].(string)
			if sourceType == targetType {
				continue
			}
			requiredRemoved := asBool(sourceProp["required"]) && targetType == ""
			severity := gradePropertyType(sourceType, targetType, requiredRemoved)
			conflicts = append(conflicts, types.MergeConflict{
				Type:         types.ConflictTypePropertyType,
				Severity:     severity,
				ResourceKind: types.ResourceKindProperty,
				ResourceID:   objID,
				FieldPath:    name,
				Description:  fmt.Sprintf("property type conflict on %s.%s: %s vs %s", objID, name, sourceType, targetType),
				SourceValue:  sourceType,
				TargetValue:  targetType,
			})
		}
	}
	return conflicts
}

func detectLinkConflicts(source, target *ObjectTree) []types.MergeConflict {
	var conflicts []types.MergeConflict
	for id, sourceLink := range source.Links {
		targetLink, ok := target.Links[id]
		if !ok {
			continue
		}
		sourceCard, _ := sourceLink["cardinality"].(string)
		targetCard, _ := targetLink["cardinality"].(string)
		if sourceCard != targetCard {
			severity := gradeCardinality(sourceCard, targetCard)
			hint := ""
			if severity == types.SeverityWarn {
				hint = "junction table required"
			} else if severity == types.SeverityError {
				hint = "potential data loss narrowing cardinality"
			}
			conflicts = append(conflicts, types.MergeConflict{
				Type:          types.ConflictTypeCardinality,
				Severity:      severity,
				ResourceKind:  types.ResourceKindLinkType,
				ResourceID:    id,
				Description:   fmt.Sprintf("cardinality conflict on %s: %s vs %s", id, sourceCard, targetCard),
				SourceValue:   sourceCard,
				TargetValue:   targetCard,
				MigrationHint: hint,
			})
		}
	}

	if cycle := detectCircularDependency(source.Links, target.Links); cycle {
		conflicts = append(conflicts, types.MergeConflict{
			Type:        types.ConflictTypeCircularDependency,
			Severity:    types.SeverityBlock,
			Description: "circular dependency detected among required links",
		})
	}

	return conflicts
}

// detectCircularDependency runs a DFS over the "required"-edge subgraph
// formed by merging source and target link sets, per §4.3 step 4.
func detectCircularDependency(sourceLinks, targetLinks map[string]map[string]any) bool {
	graph := map[string]map[string]bool{}
	addEdge := func(links map[string]map[string]any) {
		for _, link := range links {
			if !asBool(link["required"]) {
				continue
			}
			from, _ := link["from"].(string)
			to, _ := link["to"].(string)
			if from == "" || to == "" {
				continue
			}
			if graph[from] == nil {
				graph[from] = map[string]bool{}
			}
			graph[from][to] = true
		}
	}
	addEdge(sourceLinks)
	addEdge(targetLinks)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		nodes := make([]string, 0, len(graph[node]))
		for n := range graph[node] {
			nodes = append(nodes, n)
		}
		sort.Strings(nodes)
		for _, next := range nodes {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				return true
			}
		}
		color[node] = black
		return false
	}

	keys := make([]string, 0, len(graph))
	for node := range graph {
		keys = append(keys, node)
	}
	sort.Strings(keys)
	for _, node := range keys {
		if color[node] == white {
			if visit(node) {
				return true
			}
		}
	}
	return false
}

// applyAutoResolutions fills in Resolution for every auto-resolvable
// (INFO/WARN) conflict: union/widen for INFO, keep the target value with a
// migration hint for WARN, per §4.3 step 6.
func applyAutoResolutions(conflicts []types.MergeConflict) {
	for i := range conflicts {
		c := &conflicts[i]
		switch c.Severity {
		case types.SeverityInfo:
			if c.Resolution == "" {
				c.Resolution = "widened automatically"
			}
		case types.SeverityWarn:
			if c.Resolution == "" {
				c.Resolution = "kept target value; " + c.MigrationHint
			}
		}
	}
}

// sortConflicts applies the determinism rule of §4.3: tie-breaks use
// (resource_id, field_path) lexicographic order.
func sortConflicts(conflicts []types.MergeConflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].ResourceID != conflicts[j].ResourceID {
			return conflicts[i].ResourceID < conflicts[j].ResourceID
		}
		return conflicts[i].FieldPath < conflicts[j].FieldPath
	})
}

func jsonEqual(a, b map[string]any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Duration is a thin helper mirroring the original's millisecond-duration
// reporting, used by callers that want to log a merge's wall-clock cost.
func Duration(start time.Time) time.Duration {
	return time.Since(start)
}
