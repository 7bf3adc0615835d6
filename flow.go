package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oarkflow/shield/logger"
)

// FlowStatus is the lifecycle state of an approval flow instance. All states
// other than pending are terminal.
type FlowStatus string

const (
	FlowPending   FlowStatus = "pending"
	FlowApproved  FlowStatus = "approved"
	FlowDenied    FlowStatus = "denied"
	FlowExpired   FlowStatus = "expired"
	FlowCancelled FlowStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s FlowStatus) Terminal() bool { return s != FlowPending }

// FlowDefinition is a reusable template for approval flows on a resource type
type FlowDefinition struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	ResourceType      string        `json:"resource_type" yaml:"resource_type"`
	ApproverRoles     []string      `json:"approver_roles" yaml:"approver_roles"`
	RequiredApprovals int           `json:"required_approvals" yaml:"required_approvals"`
	Expiry            time.Duration `json:"expiry" yaml:"expiry"`
}

// FlowInstance is one in-flight (or resolved) approval request
type FlowInstance struct {
	ID                string     `json:"id"`
	DefinitionID      string     `json:"definition_id"`
	RequesterID       string     `json:"requester_id"`
	ResourceType      string     `json:"resource_type"`
	ResourceID        string     `json:"resource_id"`
	Action            string     `json:"action"`
	Justification     string     `json:"justification,omitempty"`
	Status            FlowStatus `json:"status"`
	Approvers         []string   `json:"approvers"`
	RequiredApprovals int        `json:"required_approvals"`
	ApprovalCount     int        `json:"approval_count"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ResolvedAt        time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
}

// FlowApproval is one approver's recorded vote
type FlowApproval struct {
	InstanceID string    `json:"instance_id"`
	ApproverID string    `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FlowStore persists flow instances and votes. RecordApproval and
// RecordDenial must be atomic with respect to concurrent votes on the same
// instance: the store decides the final state transition exactly once.
type FlowStore interface {
	CreateInstance(ctx context.Context, inst *FlowInstance) error
	GetInstance(ctx context.Context, id string) (*FlowInstance, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]*FlowInstance, error)
	ListApprovals(ctx context.Context, instanceID string) ([]*FlowApproval, error)

	// RecordApproval appends the vote, increments the tally and flips the
	// instance to approved when the quorum is reached. ErrFlowNotPending
	// is returned when another vote already resolved the instance.
	RecordApproval(ctx context.Context, vote *FlowApproval) (*FlowInstance, error)

	// RecordDenial appends the dissent and flips a pending instance to
	// denied.
	RecordDenial(ctx context.Context, vote *FlowApproval) (*FlowInstance, error)

	// TransitionStatus moves the instance from the expected status to the
	// target, returning ErrFlowNotPending when the instance is no longer
	// in the expected state.
	TransitionStatus(ctx context.Context, instanceID string, from, to FlowStatus, resolvedBy string) (*FlowInstance, error)
}

// FlowDefinitionStore resolves flow templates by ID
type FlowDefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*FlowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*FlowDefinition, error)
}

// FlowEngine drives the approval state machine on top of a FlowStore
type FlowEngine struct {
	store       FlowStore
	definitions FlowDefinitionStore
	identities  IdentityStore
	log         logger.Logger
	now         func() time.Time
}

func NewFlowEngine(store FlowStore, definitions FlowDefinitionStore, identities IdentityStore, log logger.Logger) *FlowEngine {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &FlowEngine{
		store:       store,
		definitions: definitions,
		identities:  identities,
		log:         log,
		now:         time.Now,
	}
}

// Initiate opens an approval flow from a definition. Approvers are every
// principal holding one of the definition's approver roles, minus the
// requester; a flow nobody can approve is denied on the spot.
func (f *FlowEngine) Initiate(ctx context.Context, definitionID, requesterID, resourceID, action, justification string) (*FlowInstance, error) {
	def, err := f.definitions.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("flow definition %s: %w", definitionID, err)
	}
	approvers, err := f.resolveApprovers(ctx, def, requesterID)
	if err != nil {
		return nil, err
	}

	now := f.now().UTC()
	inst := &FlowInstance{
		ID:                newFlowID(),
		DefinitionID:      def.ID,
		RequesterID:       requesterID,
		ResourceType:      def.ResourceType,
		ResourceID:        resourceID,
		Action:            action,
		Justification:     justification,
		Status:            FlowPending,
		Approvers:         approvers,
		RequiredApprovals: def.RequiredApprovals,
		ApprovalCount:     0,
		CreatedAt:         now,
		ExpiresAt:         now.Add(def.Expiry),
	}
	if len(approvers) < def.RequiredApprovals {
		inst.Status = FlowDenied
		inst.ResolvedAt = now
		f.log.Warn("flow denied at creation", "definition_id", def.ID, "requester_id", requesterID,
			"eligible_approvers", len(approvers), "required", def.RequiredApprovals)
	}
	if err := f.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	f.log.Info("flow initiated", "instance_id", inst.ID, "definition_id", def.ID,
		"requester_id", requesterID, "status", string(inst.Status))
	return inst, nil
}

// Approve records one approver's assent. The store performs the tally and
// the pending-to-approved flip atomically, so two racing final approvals
// resolve the instance exactly once.
func (f *FlowEngine) Approve(ctx context.Context, instanceID, approverID, comment string) (*FlowInstance, error) {
	inst, err := f.gateVote(ctx, instanceID, approverID)
	if err != nil {
		return inst, err
	}
	vote := &FlowApproval{
		InstanceID: instanceID,
		ApproverID: approverID,
		Approved:   true,
		Comment:    comment,
		Timestamp:  f.now().UTC(),
	}
	updated, err := f.store.RecordApproval(ctx, vote)
	if err != nil {
		return nil, err
	}
	if updated.Status == FlowApproved {
		f.log.Info("flow approved", "instance_id", instanceID, "approvals", updated.ApprovalCount)
	}
	return updated, nil
}

// Deny records a dissent. A single denial resolves the flow regardless of
// approvals already collected.
func (f *FlowEngine) Deny(ctx context.Context, instanceID, approverID, comment string) (*FlowInstance, error) {
	inst, err := f.gateVote(ctx, instanceID, approverID)
	if err != nil {
		return inst, err
	}
	vote := &FlowApproval{
		InstanceID: instanceID,
		ApproverID: approverID,
		Approved:   false,
		Comment:    comment,
		Timestamp:  f.now().UTC(),
	}
	updated, err := f.store.RecordDenial(ctx, vote)
	if err != nil {
		return nil, err
	}
	f.log.Info("flow denied", "instance_id", instanceID, "approver_id", approverID)
	return updated, nil
}

// Cancel withdraws a pending flow. Only the requester may cancel.
func (f *FlowEngine) Cancel(ctx context.Context, instanceID, requesterID string) (*FlowInstance, error) {
	inst, err := f.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.RequesterID != requesterID {
		return inst, &FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: ErrNotRequester}
	}
	if inst.Status.Terminal() {
		return inst, &FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: ErrFlowNotPending}
	}
	updated, err := f.store.TransitionStatus(ctx, instanceID, FlowPending, FlowCancelled, requesterID)
	if err != nil {
		return nil, err
	}
	f.log.Info("flow cancelled", "instance_id", instanceID, "requester_id", requesterID)
	return updated, nil
}

// GetInstance returns a flow instance, lazily expiring it when its deadline
// has passed.
func (f *FlowEngine) GetInstance(ctx context.Context, instanceID string) (*FlowInstance, error) {
	inst, err := f.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return f.expireIfDue(ctx, inst)
}

// PendingFor lists flows awaiting a particular approver's vote
func (f *FlowEngine) PendingFor(ctx context.Context, approverID string) ([]*FlowInstance, error) {
	return f.store.ListPendingForApprover(ctx, approverID)
}

// Approvals lists the votes recorded on an instance
func (f *FlowEngine) Approvals(ctx context.Context, instanceID string) ([]*FlowApproval, error) {
	return f.store.ListApprovals(ctx, instanceID)
}

// gateVote loads the instance and rejects votes that can never count:
// resolved flows, expired flows and voters outside the approver set.
func (f *FlowEngine) gateVote(ctx context.Context, instanceID, approverID string) (*FlowInstance, error) {
	inst, err := f.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	inst, err = f.expireIfDue(ctx, inst)
	if err != nil {
		return inst, err
	}
	if inst.Status.Terminal() {
		return inst, &FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: ErrFlowNotPending}
	}
	if !containsString(inst.Approvers, approverID) {
		return inst, &FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: ErrNotAnApprover}
	}
	return inst, nil
}

func (f *FlowEngine) expireIfDue(ctx context.Context, inst *FlowInstance) (*FlowInstance, error) {
	if inst.Status != FlowPending || f.now().Before(inst.ExpiresAt) {
		return inst, nil
	}
	updated, err := f.store.TransitionStatus(ctx, inst.ID, FlowPending, FlowExpired, "")
	if err != nil {
		// another caller expired it first
		if errors.Is(err, ErrFlowNotPending) {
			refreshed, getErr := f.store.GetInstance(ctx, inst.ID)
			if getErr != nil {
				return inst, getErr
			}
			return refreshed, &FlowStateError{InstanceID: inst.ID, State: string(refreshed.Status), Err: ErrFlowExpired}
		}
		return inst, err
	}
	return updated, &FlowStateError{InstanceID: inst.ID, State: string(FlowExpired), Err: ErrFlowExpired}
}

func (f *FlowEngine) resolveApprovers(ctx context.Context, def *FlowDefinition, requesterID string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, role := range def.ApproverRoles {
		ids, err := f.identities.ListPrincipalsWithRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("resolve approvers for role %s: %w", role, err)
		}
		for _, id := range ids {
			if id == requesterID {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	approvers := make([]string, 0, len(seen))
	for id := range seen {
		approvers = append(approvers, id)
	}
	sort.Strings(approvers)
	return approvers, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func newFlowID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("flow-%d", time.Now().UnixNano())
	}
	return "flow-" + hex.EncodeToString(b[:])
}
