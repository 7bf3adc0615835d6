package shield

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a policy contributes when it matches
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyKind selects the evaluator responsible for a policy
type PolicyKind string

const (
	KindRBAC PolicyKind = "rbac"
	KindABAC PolicyKind = "abac"
	KindHCL  PolicyKind = "hcl"
)

// RequiredAction is a step-up the caller must complete before the decision is honored
type RequiredAction string

const (
	ActionNone     RequiredAction = ""
	ActionMFA      RequiredAction = "mfa"
	ActionApproval RequiredAction = "approval"
	ActionDeny     RequiredAction = "deny"
)

// Outcome classifies the final decision
type Outcome string

const (
	OutcomeAllow         Outcome = "allow"
	OutcomeDeny          Outcome = "deny"
	OutcomeNotApplicable Outcome = "not_applicable"
	OutcomeError         Outcome = "error"
)

// Policy is one persisted authorization policy. Content is interpreted
// per Kind: RBAC scope JSON, ABAC rule JSON, or HCL path-policy text.
type Policy struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Kind      PolicyKind `json:"kind" yaml:"kind"`
	Effect    Effect     `json:"effect" yaml:"effect"`
	Priority  int        `json:"priority" yaml:"priority"`
	Content   string     `json:"content" yaml:"content"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// policyDoc carries Policy's fields without its custom decoders
type policyDoc Policy

// UnmarshalYAML decodes a policy document. A document that omits the
// enabled flag yields an active policy, the same default CreatePolicy
// applies; only an explicit "enabled: false" disables it.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*policyDoc)(p)); err != nil {
		return err
	}
	var flags struct {
		Enabled *bool `yaml:"enabled"`
	}
	if err := value.Decode(&flags); err != nil {
		return err
	}
	if flags.Enabled == nil {
		p.Enabled = true
	}
	return nil
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON policy documents
func (p *Policy) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*policyDoc)(p)); err != nil {
		return err
	}
	var flags struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	if flags.Enabled == nil {
		p.Enabled = true
	}
	return nil
}

// Checksum returns a deterministic hash of the policy's evaluable parts
func (p *Policy) Checksum() string {
	h := sha256.New()
	h.Write([]byte(p.ID))
	h.Write([]byte{0})
	h.Write([]byte(p.Kind))
	h.Write([]byte{0})
	h.Write([]byte(p.Effect))
	h.Write([]byte{0})
	h.Write([]byte(p.Content))
	var buf [8]byte
	v := uint64(p.Priority)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Principal is the authenticated identity being authorized
type Principal struct {
	ID         string         `json:"id" yaml:"id"`
	Username   string         `json:"username" yaml:"username"`
	Active     bool           `json:"active" yaml:"active"`
	LockedOut  bool           `json:"locked_out" yaml:"locked_out"`
	MFAEnabled bool           `json:"mfa_enabled" yaml:"mfa_enabled"`
	Roles      []string       `json:"roles" yaml:"roles"`
	Attrs      map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Role is a named collection of permissions
type Role struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	Inherits    []string     `json:"inherits,omitempty" yaml:"inherits,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
}

// Permission grants an action on a resource; "*" is a first-class wildcard
// on either side.
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
}

// FullPermission renders the canonical "<resource>:<action>" form
func (p Permission) FullPermission() string {
	return p.Resource + ":" + p.Action
}

// AccessRequest is one authorization question
type AccessRequest struct {
	PrincipalID  string         `json:"principal_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Decision is the single authoritative answer for a request
type Decision struct {
	Allowed         bool           `json:"allowed"`
	Outcome         Outcome        `json:"decision"`
	Reasons         []string       `json:"reasons"`
	AppliedPolicies []string       `json:"applied_policies"`
	RiskScore       int            `json:"risk_score,omitempty"`
	RiskLevel       string         `json:"risk_level,omitempty"`
	RequiredAction  RequiredAction `json:"required_action,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// PolicyTrace records how one policy fared during evaluation; simulation
// returns the full list.
type PolicyTrace struct {
	PolicyID string `json:"policy_id"`
	Kind     PolicyKind
	Matched  bool   `json:"matched"`
	Effect   Effect `json:"effect,omitempty"`
	Reason   string `json:"reason"`
}

// PolicyOutcome is one evaluator's contribution for one policy
type PolicyOutcome struct {
	Matched bool
	Effect  Effect
	Reason  string
}

// PolicyEvaluator evaluates policies of exactly one kind
type PolicyEvaluator interface {
	Kind() PolicyKind
	Evaluate(ctx context.Context, policy *Policy, req *AccessRequest, attrs *AttributeSet) (PolicyOutcome, error)
}

// TrustedDevice is a device registered for a principal
type TrustedDevice struct {
	DeviceID    string    `json:"device_id" yaml:"device_id"`
	PrincipalID string    `json:"principal_id" yaml:"principal_id"`
	DeviceType  string    `json:"device_type" yaml:"device_type"`
	Trusted     bool      `json:"trusted" yaml:"trusted"`
	Active      bool      `json:"active" yaml:"active"`
	LastSeenAt  time.Time `json:"last_seen_at" yaml:"last_seen_at"`
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PolicyStore manages policy persistence
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListActivePolicies(ctx context.Context) ([]*Policy, error)
}

// IdentityStore is the read-only principal/role repository
type IdentityStore interface {
	GetPrincipal(ctx context.Context, principalID string) (*Principal, error)
	GetRole(ctx context.Context, name string) (*Role, error)
	ListPrincipalsWithRole(ctx context.Context, roleName string) ([]string, error)
}

// ResourceStore resolves attributes for a resource by type and ID. Unknown
// resource types return (nil, nil); that is not an error.
type ResourceStore interface {
	GetResourceAttributes(ctx context.Context, resourceType, resourceID string) (map[string]any, error)
}

// DeviceStore looks up trusted devices for the device gate
type DeviceStore interface {
	GetDevice(ctx context.Context, principalID, deviceID string) (*TrustedDevice, error)
}

// RiskProfileStore yields the stored base risk score for a principal. A
// missing profile is score 0, not an error.
type RiskProfileStore interface {
	BaseRiskScore(ctx context.Context, principalID string) (int, error)
}

// ContextPolicyStore lists context restrictions per resource type
type ContextPolicyStore interface {
	PoliciesForResourceType(ctx context.Context, resourceType string) ([]*ContextPolicy, error)
}

// ColumnRuleStore is the injected, synchronized column rule repository
type ColumnRuleStore interface {
	CreateRule(ctx context.Context, r *ColumnRule) error
	DeleteRule(ctx context.Context, id string) error
	RulesForTable(ctx context.Context, tableName string) ([]*ColumnRule, error)
}

// AuditStore persists decision audit entries
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry records one authorization decision
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	PrincipalID  string         `json:"principal_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Decision     *Decision      `json:"decision"`
	TraceID      string         `json:"trace_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditFilter narrows audit queries
type AuditFilter struct {
	PrincipalID  string
	ResourceType string
	Action       string
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}
