package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/shield"
)

// MemoryPolicyStore implements policy persistence in-memory for testing/demo
type MemoryPolicyStore struct {
	mu        sync.RWMutex
	policies  map[string]*shield.Policy
	histories map[string][]*shield.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*shield.Policy), histories: make(map[string][]*shield.Policy)}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *shield.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *shield.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.policies[p.ID]; ok {
		cop := *old
		s.histories[p.ID] = append(s.histories[p.ID], &cop)
	}
	p.UpdatedAt = time.Now()
	s.policies[p.ID] = p
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*shield.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	cop := *p
	return &cop, nil
}

func (s *MemoryPolicyStore) ListActivePolicies(ctx context.Context) ([]*shield.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*shield.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if !p.Enabled {
			continue
		}
		cop := *p
		result = append(result, &cop)
	}
	return result, nil
}

func (s *MemoryPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*shield.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	return h, nil
}

// MemoryIdentityStore holds principals and roles in-memory
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	principals map[string]*shield.Principal
	roles      map[string]*shield.Role
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{principals: make(map[string]*shield.Principal), roles: make(map[string]*shield.Role)}
}

func (s *MemoryIdentityStore) PutPrincipal(p *shield.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

func (s *MemoryIdentityStore) PutRole(r *shield.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.Name] = r
}

func (s *MemoryIdentityStore) GetPrincipal(ctx context.Context, principalID string) (*shield.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shield.ErrPrincipalNotFound, principalID)
	}
	cop := *p
	return &cop, nil
}

func (s *MemoryIdentityStore) GetRole(ctx context.Context, name string) (*shield.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, fmt.Errorf("role not found: %s", name)
	}
	cop := *r
	return &cop, nil
}

func (s *MemoryIdentityStore) ListPrincipalsWithRole(ctx context.Context, roleName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id, p := range s.principals {
		if !p.Active {
			continue
		}
		for _, r := range p.Roles {
			if r == roleName {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryResourceStore maps resource type+ID to attribute maps
type MemoryResourceStore struct {
	mu    sync.RWMutex
	attrs map[string]map[string]any
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{attrs: make(map[string]map[string]any)}
}

func (s *MemoryResourceStore) PutResource(resourceType, resourceID string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[resourceType+"/"+resourceID] = attrs
}

func (s *MemoryResourceStore) GetResourceAttributes(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.attrs[resourceType+"/"+resourceID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

// MemoryDeviceStore keeps registered devices per principal
type MemoryDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*shield.TrustedDevice
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string]*shield.TrustedDevice)}
}

func deviceKey(principalID, deviceID string) string { return principalID + "/" + deviceID }

func (s *MemoryDeviceStore) PutDevice(d *shield.TrustedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceKey(d.PrincipalID, d.DeviceID)] = d
}

func (s *MemoryDeviceStore) GetDevice(ctx context.Context, principalID, deviceID string) (*shield.TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceKey(principalID, deviceID)]
	if !ok {
		return nil, nil
	}
	cop := *d
	return &cop, nil
}

// MemoryRiskProfileStore stores base risk scores per principal
type MemoryRiskProfileStore struct {
	mu     sync.RWMutex
	scores map[string]int
}

func NewMemoryRiskProfileStore() *MemoryRiskProfileStore {
	return &MemoryRiskProfileStore{scores: make(map[string]int)}
}

func (s *MemoryRiskProfileStore) SetBaseRiskScore(principalID string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[principalID] = score
}

func (s *MemoryRiskProfileStore) BaseRiskScore(ctx context.Context, principalID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores[principalID], nil
}

// MemoryContextPolicyStore indexes context policies by resource type
type MemoryContextPolicyStore struct {
	mu       sync.RWMutex
	policies map[string][]*shield.ContextPolicy
}

func NewMemoryContextPolicyStore() *MemoryContextPolicyStore {
	return &MemoryContextPolicyStore{policies: make(map[string][]*shield.ContextPolicy)}
}

func (s *MemoryContextPolicyStore) AddPolicy(p *shield.ContextPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ResourceType] = append(s.policies[p.ResourceType], p)
}

func (s *MemoryContextPolicyStore) PoliciesForResourceType(ctx context.Context, resourceType string) ([]*shield.ContextPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*shield.ContextPolicy, 0)
	out = append(out, s.policies[resourceType]...)
	out = append(out, s.policies["*"]...)
	return out, nil
}

// MemoryColumnRuleStore indexes column rules by table name
type MemoryColumnRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*shield.ColumnRule
}

func NewMemoryColumnRuleStore() *MemoryColumnRuleStore {
	return &MemoryColumnRuleStore{rules: make(map[string]*shield.ColumnRule)}
}

func (s *MemoryColumnRuleStore) CreateRule(ctx context.Context, r *shield.ColumnRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		return fmt.Errorf("column rule ID is required")
	}
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryColumnRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *MemoryColumnRuleStore) RulesForTable(ctx context.Context, tableName string) ([]*shield.ColumnRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*shield.ColumnRule, 0)
	for _, r := range s.rules {
		if r.TableName == tableName || r.TableName == "*" {
			cop := *r
			out = append(out, &cop)
		}
	}
	return out, nil
}

// MemoryAuditStore records audit entries in a ring of recent decisions
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*shield.AuditEntry
	max     int
}

func NewMemoryAuditStore(max int) *MemoryAuditStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryAuditStore{max: max}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *shield.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter shield.AuditFilter) ([]*shield.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*shield.AuditEntry, 0)
	for _, e := range s.entries {
		if filter.PrincipalID != "" && e.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MemoryFlowDefinitionStore holds flow templates
type MemoryFlowDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]*shield.FlowDefinition
}

func NewMemoryFlowDefinitionStore() *MemoryFlowDefinitionStore {
	return &MemoryFlowDefinitionStore{defs: make(map[string]*shield.FlowDefinition)}
}

func (s *MemoryFlowDefinitionStore) PutDefinition(def *shield.FlowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
}

func (s *MemoryFlowDefinitionStore) GetDefinition(ctx context.Context, id string) (*shield.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("flow definition not found: %s", id)
	}
	cop := *def
	return &cop, nil
}

func (s *MemoryFlowDefinitionStore) ListDefinitions(ctx context.Context) ([]*shield.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*shield.FlowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		cop := *def
		out = append(out, &cop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryFlowStore keeps flow instances under one mutex so concurrent votes
// observe and write the tally atomically.
type MemoryFlowStore struct {
	mu        sync.Mutex
	instances map[string]*shield.FlowInstance
	approvals map[string][]*shield.FlowApproval
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		instances: make(map[string]*shield.FlowInstance),
		approvals: make(map[string][]*shield.FlowApproval),
	}
}

func (s *MemoryFlowStore) CreateInstance(ctx context.Context, inst *shield.FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("flow instance already exists: %s", inst.ID)
	}
	cop := *inst
	s.instances[inst.ID] = &cop
	return nil
}

func (s *MemoryFlowStore) GetInstance(ctx context.Context, id string) (*shield.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("flow instance not found: %s", id)
	}
	cop := *inst
	return &cop, nil
}

func (s *MemoryFlowStore) ListPendingForApprover(ctx context.Context, approverID string) ([]*shield.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*shield.FlowInstance, 0)
	for _, inst := range s.instances {
		if inst.Status != shield.FlowPending {
			continue
		}
		for _, a := range inst.Approvers {
			if a == approverID {
				cop := *inst
				out = append(out, &cop)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryFlowStore) ListApprovals(ctx context.Context, instanceID string) ([]*shield.FlowApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	votes := s.approvals[instanceID]
	out := make([]*shield.FlowApproval, 0, len(votes))
	for _, v := range votes {
		cop := *v
		out = append(out, &cop)
	}
	return out, nil
}

func (s *MemoryFlowStore) RecordApproval(ctx context.Context, vote *shield.FlowApproval) (*shield.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[vote.InstanceID]
	if !ok {
		return nil, fmt.Errorf("flow instance not found: %s", vote.InstanceID)
	}
	if inst.Status != shield.FlowPending {
		return nil, &shield.FlowStateError{InstanceID: inst.ID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	for _, v := range s.approvals[vote.InstanceID] {
		if v.ApproverID == vote.ApproverID {
			return nil, fmt.Errorf("approver %s already voted on %s", vote.ApproverID, vote.InstanceID)
		}
	}
	cop := *vote
	s.approvals[vote.InstanceID] = append(s.approvals[vote.InstanceID], &cop)
	inst.ApprovalCount++
	if inst.ApprovalCount >= inst.RequiredApprovals {
		inst.Status = shield.FlowApproved
		inst.ResolvedAt = vote.Timestamp
		inst.ResolvedBy = vote.ApproverID
	}
	snap := *inst
	return &snap, nil
}

func (s *MemoryFlowStore) RecordDenial(ctx context.Context, vote *shield.FlowApproval) (*shield.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[vote.InstanceID]
	if !ok {
		return nil, fmt.Errorf("flow instance not found: %s", vote.InstanceID)
	}
	if inst.Status != shield.FlowPending {
		return nil, &shield.FlowStateError{InstanceID: inst.ID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	cop := *vote
	s.approvals[vote.InstanceID] = append(s.approvals[vote.InstanceID], &cop)
	inst.Status = shield.FlowDenied
	inst.ResolvedAt = vote.Timestamp
	inst.ResolvedBy = vote.ApproverID
	snap := *inst
	return &snap, nil
}

func (s *MemoryFlowStore) TransitionStatus(ctx context.Context, instanceID string, from, to shield.FlowStatus, resolvedBy string) (*shield.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("flow instance not found: %s", instanceID)
	}
	if inst.Status != from {
		return nil, &shield.FlowStateError{InstanceID: instanceID, State: string(inst.Status), Err: shield.ErrFlowNotPending}
	}
	inst.Status = to
	inst.ResolvedAt = time.Now().UTC()
	inst.ResolvedBy = resolvedBy
	snap := *inst
	return &snap, nil
}
