package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
)

// complianceTags derives regulatory labels from a resource kind alone;
// the resource content is not inspected.
func complianceTags(kind types.ResourceKind) []string {
	switch kind {
	case types.ResourceKindObjectType, types.ResourceKindLinkType:
		return []string{"schema-governance"}
	case types.ResourceKindProperty, types.ResourceKindSemanticType:
		return []string{"schema-governance", "data-classification"}
	default:
		return []string{"schema-governance"}
	}
}

// dataClassification derives a coarse classification label from content;
// real deployments would consult the semantic-type registry, approximated
// here by inspecting a "pii" or "sensitive" marker field if present.
func dataClassification(content json.RawMessage) string {
	var probe struct {
		PII       bool `json:"pii"`
		Sensitive bool `json:"sensitive"`
	}
	_ = json.Unmarshal(content, &probe)
	switch {
	case probe.PII:
		return "restricted"
	case probe.Sensitive:
		return "confidential"
	default:
		return "internal"
	}
}

// resourceChange mirrors commitstore.cloudEventPayload's per-resource
// change entry.
type resourceChange struct {
	ResourceKind types.ResourceKind `json:"resource_kind"`
	ResourceID   string             `json:"resource_id"`
	Version      int                `json:"version"`
	ChangeType   types.ChangeType   `json:"change_type"`
}

// schemaChangeData is the shape commitstore.cloudEventPayload produces
// for schema.changed / schema.reverted / merge.completed events.
type schemaChangeData struct {
	Branch     string           `json:"branch"`
	CommitHash string           `json:"commit_hash"`
	Changes    []resourceChange `json:"changes"`
}

// SchemaChangeHandler derives one HistoryEntry and one AuditLogEntry from
// a schema.changed / schema.reverted / merge.completed event, per §4.6's
// producer table. Only the first changed resource in the event yields the
// pair; further changes in the same event produce no entries.
func SchemaChangeHandler(env *events.Envelope) (*HandlerResult, error) {
	var data schemaChangeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("outbox: schema change handler: %w", err)
	}
	if len(data.Changes) == 0 {
		return &HandlerResult{}, nil
	}

	first := data.Changes[0]
	breaking := first.ChangeType == types.ChangeTypeDelete

	history := &types.HistoryEntry{
		ID:           uuid.NewString(),
		EventID:      env.ID,
		Commit:       data.CommitHash,
		Branch:       data.Branch,
		Operation:    env.Type,
		ResourceKind: first.ResourceKind,
		ResourceID:   first.ResourceID,
		Breaking:     breaking,
		Time:         env.Time,
	}

	severity := "info"
	if breaking {
		severity = "warning"
	}

	audit := &types.AuditLogEntry{
		ID:                 uuid.NewString(),
		EventID:            env.ID,
		Target:              fmt.Sprintf("%s:%s", first.ResourceKind, first.ResourceID),
		Action:              env.Type,
		Result:              "success",
		Severity:            severity,
		ComplianceTags:      complianceTags(first.ResourceKind),
		DataClassification:  dataClassification(nil),
		Time:                env.Time,
	}

	return &HandlerResult{History: history, Audit: audit}, nil
}

type branchEventData struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
	Actor      string `json:"actor"`
}

// BranchEventHandler derives an AuditLogEntry for branch.created,
// lock.acquired, lock.released and lock.auto_released events; these carry
// no resource-level history, only an audit trail entry.
func BranchEventHandler(env *events.Envelope) (*HandlerResult, error) {
	var data branchEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("outbox: branch event handler: %w", err)
	}
	audit := &types.AuditLogEntry{
		ID:       uuid.NewString(),
		EventID:  env.ID,
		Actor:    data.Actor,
		Target:   data.Branch,
		Action:   env.Type,
		Result:   "success",
		Severity: "info",
		Time:     env.Time,
	}
	return &HandlerResult{Audit: audit}, nil
}

// RegisterDefaultHandlers wires the canonical event-type-to-handler table
// named in §4.6.
func RegisterDefaultHandlers(s *Subscriber) {
	s.RegisterHandler(events.EventSchemaChanged, SchemaChangeHandler)
	s.RegisterHandler(events.EventSchemaReverted, SchemaChangeHandler)
	s.RegisterHandler(events.EventMergeCompleted, SchemaChangeHandler)
	s.RegisterHandler(events.EventBranchCreated, BranchEventHandler)
	s.RegisterHandler(events.EventLockAcquired, BranchEventHandler)
	s.RegisterHandler(events.EventLockReleased, BranchEventHandler)
	s.RegisterHandler(events.EventLockAutoReleased, BranchEventHandler)
}
