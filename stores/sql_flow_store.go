package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
)

// SQLFlowStore persists approval flow instances and votes. Quorum state
// transitions ride on conditional UPDATEs guarded by the current status, so
// concurrent votes resolve an instance exactly once.
type SQLFlowStore struct {
	db *squealx.DB
}

func NewSQLFlowStore(db *squealx.DB) *SQLFlowStore {
	return &SQLFlowStore{db: db}
}

func (s *SQLFlowStore) CreateInstance(ctx context.Context, inst *shield.FlowInstance) error {
	approvers, _ := json.Marshal(inst.Approvers)
	q := `INSERT INTO flow_instances(id, definition_id, requester_id, resource_type, resource_id, action, justification, status, approvers_json, required_approvals, approval_count, created_at, expires_at) VALUES(:id, :definition_id, :requester_id, :resource_type, :resource_id, :action, :justification, :status, :approvers_json, :required_approvals, :approval_count, :created_at, :expires_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                 inst.ID,
		"definition_id":      inst.DefinitionID,
		"requester_id":       inst.RequesterID,
		"resource_type":      inst.ResourceType,
		"resource_id":        inst.ResourceID,
		"action":             inst.Action,
		"justification":      inst.Justification,
		"status":             string(inst.Status),
		"approvers_json":     string(approvers),
		"required_approvals": inst.RequiredApprovals,
		"approval_count":     inst.ApprovalCount,
		"created_at":         inst.CreatedAt,
		"expires_at":         inst.ExpiresAt,
	})
	return err
}

func (s *SQLFlowStore) GetInstance(ctx context.Context, id string) (*shield.FlowInstance, error) {
	q := `SELECT id, definition_id, requester_id, resource_type, resource_id, action, justification, status, approvers_json, required_approvals, approval_count, created_at, expires_at, resolved_at, resolved_by FROM flow_instances WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("flow instance not found: %s", id)
	}
	return scanFlowInstance(r)
}

func (s *SQLFlowStore) ListPendingForApprover(ctx context.Context, approverID string) ([]*shield.FlowInstance, error) {
	// approvers_json is a JSON string array; match the quoted ID
	q := `SELECT id, definition_id, requester_id, resource_type, resource_id, action, justification, status, approvers_json, required_approvals, approval_count, created_at, expires_at, resolved_at, resolved_by FROM flow_instances WHERE status = 'pending' AND approvers_json LIKE :needle ORDER BY created_at ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"needle": `%"` + approverID + `"%`})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.FlowInstance, 0)
	for r.Next() {
		inst, err := scanFlowInstance(r)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *SQLFlowStore) ListApprovals(ctx context.Context, instanceID string) ([]*shield.FlowApproval, error) {
	q := `SELECT instance_id, approver_id, approved, comment, timestamp FROM flow_approvals WHERE instance_id = :instance_id ORDER BY timestamp ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"instance_id": instanceID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.FlowApproval, 0)
	for r.Next() {
		var instID, approver, comment string
		var approvedInt int
		var tsRaw interface{}
		if err := r.Scan(&instID, &approver, &approvedInt, &comment, &tsRaw); err != nil {
			return nil, err
		}
		out = append(out, &shield.FlowApproval{
			InstanceID: instID,
			ApproverID: approver,
			Approved:   approvedInt != 0,
			Comment:    comment,
			Timestamp:  scanTime(tsRaw),
		})
	}
	return out, nil
}

func (s *SQLFlowStore) RecordApproval(ctx context.Context, vote *shield.FlowApproval) (*shield.FlowInstance, error) {
	// the unique index on (instance_id, approver_id) rejects double votes
	if err := s.insertVote(ctx, vote); err != nil {
		return nil, err
	}
	// the guarded increment is the linearization point: zero rows means a
	// concurrent vote already resolved the instance
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE flow_instances SET approval_count = approval_count + 1 WHERE id = :id AND status = 'pending'`,
		map[string]any{"id": vote.InstanceID})
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, _ = s.db.NamedExecContext(ctx,
			`DELETE FROM flow_approvals WHERE instance_id = :instance_id AND approver_id = :approver_id`,
			map[string]any{"instance_id": vote.InstanceID, "approver_id": vote.ApproverID})
		inst, getErr := s.GetInstance(ctx, vote.InstanceID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &shield.FlowStateError{InstanceID: vote.InstanceID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	_, err = s.db.NamedExecContext(ctx,
		`UPDATE flow_instances SET status = 'approved', resolved_at = :resolved_at, resolved_by = :resolved_by WHERE id = :id AND status = 'pending' AND approval_count >= required_approvals`,
		map[string]any{"id": vote.InstanceID, "resolved_at": vote.Timestamp, "resolved_by": vote.ApproverID})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, vote.InstanceID)
}

func (s *SQLFlowStore) RecordDenial(ctx context.Context, vote *shield.FlowApproval) (*shield.FlowInstance, error) {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE flow_instances SET status = 'denied', resolved_at = :resolved_at, resolved_by = :resolved_by WHERE id = :id AND status = 'pending'`,
		map[string]any{"id": vote.InstanceID, "resolved_at": vote.Timestamp, "resolved_by": vote.ApproverID})
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		inst, getErr := s.GetInstance(ctx, vote.InstanceID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &shield.FlowStateError{InstanceID: vote.InstanceID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	if err := s.insertVote(ctx, vote); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, vote.InstanceID)
}

func (s *SQLFlowStore) TransitionStatus(ctx context.Context, instanceID string, from, to shield.FlowStatus, resolvedBy string) (*shield.FlowInstance, error) {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE flow_instances SET status = :to, resolved_at = :resolved_at, resolved_by = :resolved_by WHERE id = :id AND status = :from`,
		map[string]any{"id": instanceID, "to": string(to), "from": string(from), "resolved_at": time.Now().UTC(), "resolved_by": resolvedBy})
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		inst, getErr := s.GetInstance(ctx, instanceID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &shield.FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	return s.GetInstance(ctx, instanceID)
}

func (s *SQLFlowStore) insertVote(ctx context.Context, vote *shield.FlowApproval) error {
	q := `INSERT INTO flow_approvals(instance_id, approver_id, approved, comment, timestamp) VALUES(:instance_id, :approver_id, :approved, :comment, :timestamp)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"instance_id": vote.InstanceID,
		"approver_id": vote.ApproverID,
		"approved":    boolToInt(vote.Approved),
		"comment":     vote.Comment,
		"timestamp":   vote.Timestamp,
	})
	return err
}

func scanFlowInstance(r rowScanner) (*shield.FlowInstance, error) {
	var id, defID, requester, resourceType, resourceID, action, justification, status, approversJSON, resolvedBy string
	var required, count int
	var createdRaw, expiresRaw, resolvedRaw interface{}
	if err := r.Scan(&id, &defID, &requester, &resourceType, &resourceID, &action, &justification, &status, &approversJSON, &required, &count, &createdRaw, &expiresRaw, &resolvedRaw, &resolvedBy); err != nil {
		return nil, err
	}
	inst := &shield.FlowInstance{
		ID:                id,
		DefinitionID:      defID,
		RequesterID:       requester,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		Action:            action,
		Justification:     justification,
		Status:            shield.FlowStatus(status),
		RequiredApprovals: required,
		ApprovalCount:     count,
		CreatedAt:         scanTime(createdRaw),
		ExpiresAt:         scanTime(expiresRaw),
		ResolvedAt:        scanTime(resolvedRaw),
		ResolvedBy:        resolvedBy,
	}
	_ = json.Unmarshal([]byte(approversJSON), &inst.Approvers)
	return inst, nil
}
