package shield

import (
	"context"
	"fmt"
	"time"
)

// AttributeSet is the four disjoint attribute maps one evaluation works from.
// Environment is computed fresh per call and never cached across requests.
type AttributeSet struct {
	Subject     map[string]any
	Resource    map[string]any
	Environment map[string]any
	Context     map[string]any
}

// AttributeExtractor pulls subject, resource and environment attributes from
// the read-only repositories. It never mutates backing state.
type AttributeExtractor struct {
	identities IdentityStore
	resources  ResourceStore
	now        func() time.Time
}

func NewAttributeExtractor(identities IdentityStore, resources ResourceStore) *AttributeExtractor {
	return &AttributeExtractor{
		identities: identities,
		resources:  resources,
		now:        time.Now,
	}
}

// Extract builds the attribute set for one request. A missing principal is
// ErrPrincipalNotFound; an unknown resource type yields a resource map
// holding only resource_type.
func (x *AttributeExtractor) Extract(ctx context.Context, req *AccessRequest) (*AttributeSet, error) {
	return x.ExtractAt(ctx, req, x.now())
}

// ExtractAt builds the attribute set with the environment computed at the
// given instant instead of the wall clock, so decision replay sees the
// time-derived attributes the original evaluation saw.
func (x *AttributeExtractor) ExtractAt(ctx context.Context, req *AccessRequest, at time.Time) (*AttributeSet, error) {
	principal, err := x.identities.GetPrincipal(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("lookup principal %s: %w", req.PrincipalID, err)
	}
	if principal == nil {
		return nil, fmt.Errorf("principal %s: %w", req.PrincipalID, ErrPrincipalNotFound)
	}

	subject := map[string]any{
		"principal_id": principal.ID,
		"username":     principal.Username,
		"active":       principal.Active,
		"locked_out":   principal.LockedOut,
		"mfa_enabled":  principal.MFAEnabled,
		"roles":        append([]string(nil), principal.Roles...),
	}
	for k, v := range principal.Attrs {
		if _, exists := subject[k]; !exists {
			subject[k] = v
		}
	}

	resource := map[string]any{"resource_type": req.ResourceType}
	if req.ResourceID != "" {
		attrs, err := x.resources.GetResourceAttributes(ctx, req.ResourceType, req.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("lookup resource %s/%s: %w", req.ResourceType, req.ResourceID, err)
		}
		resource["resource_id"] = req.ResourceID
		for k, v := range attrs {
			resource[k] = v
		}
	}

	set := &AttributeSet{
		Subject:     subject,
		Resource:    resource,
		Environment: environmentAt(at),
		Context:     map[string]any{},
	}
	for k, v := range req.Context {
		set.Context[k] = v
	}
	return set, nil
}

// environmentAt computes the per-call environment attributes in UTC
func environmentAt(at time.Time) map[string]any {
	now := at.UTC()
	return map[string]any{
		"current_time":      now,
		"hour_of_day":       now.Hour(),
		"day_of_week":       now.Weekday().String(),
		"is_weekend":        now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
		"is_business_hours": isBusinessHours(now),
	}
}

func isBusinessHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}
