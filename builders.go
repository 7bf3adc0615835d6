package shield

import "time"

// PolicyBuilder provides fluent policy construction
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Enabled: true}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder {
	b.p.ID = id
	return b
}

func (b *PolicyBuilder) Name(n string) *PolicyBuilder {
	b.p.Name = n
	return b
}

func (b *PolicyBuilder) Kind(k PolicyKind) *PolicyBuilder {
	b.p.Kind = k
	return b
}

func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder {
	b.p.Effect = e
	return b
}

func (b *PolicyBuilder) Priority(p int) *PolicyBuilder {
	b.p.Priority = p
	return b
}

func (b *PolicyBuilder) Content(c string) *PolicyBuilder {
	b.p.Content = c
	return b
}

func (b *PolicyBuilder) Enabled(enabled bool) *PolicyBuilder {
	b.p.Enabled = enabled
	return b
}

func (b *PolicyBuilder) Build() *Policy {
	return b.p
}

// RoleBuilder provides fluent role construction
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{Permissions: []Permission{}}}
}

func (b *RoleBuilder) ID(id string) *RoleBuilder {
	b.r.ID = id
	return b
}

func (b *RoleBuilder) Name(n string) *RoleBuilder {
	b.r.Name = n
	return b
}

func (b *RoleBuilder) Permission(resource, action string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, Permission{Resource: resource, Action: action})
	return b
}
func (b *RoleBuilder) Inherits(names ...string) *RoleBuilder {
	b.r.Inherits = append(b.r.Inherits, names...)
	return b
}
func (b *RoleBuilder) Build() *Role {
	return b.r
}

// ColumnRuleBuilder provides fluent column rule construction
type ColumnRuleBuilder struct {
	r *ColumnRule
}

func NewColumnRuleBuilder() *ColumnRuleBuilder {
	return &ColumnRuleBuilder{r: &ColumnRule{Operation: "*"}}
}

func (b *ColumnRuleBuilder) ID(id string) *ColumnRuleBuilder {
	b.r.ID = id
	return b
}

func (b *ColumnRuleBuilder) Table(t string) *ColumnRuleBuilder {
	b.r.TableName = t
	return b
}

func (b *ColumnRuleBuilder) Column(c string) *ColumnRuleBuilder {
	b.r.ColumnName = c
	return b
}

func (b *ColumnRuleBuilder) Operation(op string) *ColumnRuleBuilder {
	b.r.Operation = op
	return b
}

func (b *ColumnRuleBuilder) Priority(p int) *ColumnRuleBuilder {
	b.r.Priority = p
	return b
}

func (b *ColumnRuleBuilder) Restriction(t RestrictionType) *ColumnRuleBuilder {
	b.r.Restriction = t
	return b
}
func (b *ColumnRuleBuilder) MaskingPattern(p string) *ColumnRuleBuilder {
	b.r.MaskingPattern = p
	return b
}
func (b *ColumnRuleBuilder) AllowRoles(roles ...string) *ColumnRuleBuilder {
	b.r.AllowedRoles = append(b.r.AllowedRoles, roles...)
	return b
}
func (b *ColumnRuleBuilder) DenyRoles(roles ...string) *ColumnRuleBuilder {
	b.r.DeniedRoles = append(b.r.DeniedRoles, roles...)
	return b
}
func (b *ColumnRuleBuilder) Build() *ColumnRule {
	return b.r
}

// FlowDefinitionBuilder provides fluent flow template construction
type FlowDefinitionBuilder struct {
	d *FlowDefinition
}

func NewFlowDefinitionBuilder() *FlowDefinitionBuilder {
	return &FlowDefinitionBuilder{d: &FlowDefinition{RequiredApprovals: 1, Expiry: 24 * time.Hour}}
}

func (b *FlowDefinitionBuilder) ID(id string) *FlowDefinitionBuilder {
	b.d.ID = id
	return b
}

func (b *FlowDefinitionBuilder) Name(n string) *FlowDefinitionBuilder {
	b.d.Name = n
	return b
}

func (b *FlowDefinitionBuilder) Resource(t string) *FlowDefinitionBuilder {
	b.d.ResourceType = t
	return b
}
func (b *FlowDefinitionBuilder) ApproverRoles(roles ...string) *FlowDefinitionBuilder {
	b.d.ApproverRoles = append(b.d.ApproverRoles, roles...)
	return b
}
func (b *FlowDefinitionBuilder) RequiredApprovals(n int) *FlowDefinitionBuilder {
	b.d.RequiredApprovals = n
	return b
}
func (b *FlowDefinitionBuilder) Expiry(d time.Duration) *FlowDefinitionBuilder {
	b.d.Expiry = d
	return b
}
func (b *FlowDefinitionBuilder) Build() *FlowDefinition {
	return b.d
}
