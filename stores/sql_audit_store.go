package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *shield.AuditEntry) error {
	decisionB, _ := json.Marshal(entry.Decision)
	metaB, _ := json.Marshal(entry.Metadata)
	q := `INSERT INTO audit_log(id, timestamp, principal_id, action, resource_type, resource_id, allowed, decision_json, trace_id, metadata_json) VALUES(:id, :timestamp, :principal_id, :action, :resource_type, :resource_id, :allowed, :decision_json, :trace_id, :metadata_json)`
	allowed := 0
	if entry.Decision != nil && entry.Decision.Allowed {
		allowed = 1
	}
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp,
		"principal_id":  entry.PrincipalID,
		"action":        entry.Action,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"allowed":       allowed,
		"decision_json": string(decisionB),
		"trace_id":      entry.TraceID,
		"metadata_json": string(metaB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter shield.AuditFilter) ([]*shield.AuditEntry, error) {
	q := `SELECT id, timestamp, principal_id, action, resource_type, resource_id, decision_json, trace_id, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = filter.ResourceType
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.AuditEntry, 0)
	for r.Next() {
		var id, principal, action, resourceType, resourceID, decisionJSON, traceID, metaJSON string
		var timestampRaw interface{}
		if err := r.Scan(&id, &timestampRaw, &principal, &action, &resourceType, &resourceID, &decisionJSON, &traceID, &metaJSON); err != nil {
			return nil, err
		}
		entry := &shield.AuditEntry{
			ID:           id,
			Timestamp:    scanTime(timestampRaw),
			PrincipalID:  principal,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			TraceID:      traceID,
		}
		entry.Decision = &shield.Decision{}
		_ = json.Unmarshal([]byte(decisionJSON), entry.Decision)
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, nil
}
