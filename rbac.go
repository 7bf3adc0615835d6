package shield

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/shield/logger"
	"github.com/oarkflow/shield/utils"
)

// RBACEvaluator resolves a principal's roles to a permission set and checks
// "resource:action" membership. Every lookup failure resolves to false; this
// evaluator never lets an error escape as anything but a non-match.
type RBACEvaluator struct {
	identities IdentityStore
	log        logger.Logger
}

func NewRBACEvaluator(identities IdentityStore, log logger.Logger) *RBACEvaluator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RBACEvaluator{identities: identities, log: log}
}

func (e *RBACEvaluator) Kind() PolicyKind { return KindRBAC }

// rbacScope optionally narrows an RBAC policy to a role subset
type rbacScope struct {
	Roles []string `json:"roles"`
}

// Evaluate implements PolicyEvaluator. The policy matches when the principal
// holds a permission for the requested resource:action (via the role closure),
// optionally restricted to the roles named in the policy content.
func (e *RBACEvaluator) Evaluate(ctx context.Context, policy *Policy, req *AccessRequest, attrs *AttributeSet) (PolicyOutcome, error) {
	var scope rbacScope
	if policy.Content != "" {
		if err := json.Unmarshal([]byte(policy.Content), &scope); err != nil {
			return PolicyOutcome{}, &PolicyParseError{PolicyID: policy.ID, Kind: KindRBAC, Err: err}
		}
	}

	roles := subjectRoles(attrs)
	if len(scope.Roles) > 0 {
		roles = intersectRoles(roles, scope.Roles)
	}
	if e.hasPermission(ctx, roles, req.ResourceType, req.Action) {
		return PolicyOutcome{Matched: true, Effect: policy.Effect, Reason: "role permission grants " + req.ResourceType + ":" + req.Action}, nil
	}
	return PolicyOutcome{Reason: "no role permission for " + req.ResourceType + ":" + req.Action}, nil
}

// Check answers the bare RBAC question without a policy wrapper. It fails
// secure: any lookup error yields false.
func (e *RBACEvaluator) Check(ctx context.Context, principalID, resource, action string) bool {
	principal, err := e.identities.GetPrincipal(ctx, principalID)
	if err != nil || principal == nil {
		e.log.Error("rbac principal lookup failed", "principal_id", principalID)
		return false
	}
	return e.hasPermission(ctx, principal.Roles, resource, action)
}

func (e *RBACEvaluator) hasPermission(ctx context.Context, roleNames []string, resource, action string) bool {
	visited := make(map[string]bool)
	for _, name := range roleNames {
		if e.roleGrants(ctx, name, resource, action, visited) {
			return true
		}
	}
	return false
}

// roleGrants walks the role's inheritance closure; visited guards against
// cycles in role inheritance.
func (e *RBACEvaluator) roleGrants(ctx context.Context, roleName, resource, action string, visited map[string]bool) bool {
	if visited[roleName] {
		return false
	}
	visited[roleName] = true

	role, err := e.identities.GetRole(ctx, roleName)
	if err != nil || role == nil {
		return false
	}
	for _, perm := range role.Permissions {
		if utils.MatchPermission(resource, action, perm.Resource, perm.Action) {
			return true
		}
	}
	for _, parent := range role.Inherits {
		if e.roleGrants(ctx, parent, resource, action, visited) {
			return true
		}
	}
	return false
}

func subjectRoles(attrs *AttributeSet) []string {
	if attrs == nil {
		return nil
	}
	if roles, ok := attrs.Subject["roles"].([]string); ok {
		return roles
	}
	return nil
}

func intersectRoles(have, want []string) []string {
	out := make([]string, 0, len(have))
	for _, h := range have {
		for _, w := range want {
			if h == w {
				out = append(out, h)
				break
			}
		}
	}
	return out
}
