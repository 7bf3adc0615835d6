package shield_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/stores"
)

type failingContextPolicies struct{}

func (failingContextPolicies) PoliciesForResourceType(context.Context, string) ([]*shield.ContextPolicy, error) {
	return nil, errors.New("store down")
}

func gateAttrs() *shield.AttributeSet {
	return &shield.AttributeSet{
		Subject:  map[string]any{},
		Resource: map[string]any{},
		Environment: map[string]any{
			"current_time":      time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC), // a Wednesday
			"is_business_hours": true,
		},
		Context: map[string]any{
			"device_fingerprint": "fp-1",
			"device_id":          "laptop-1",
			"location":           "US",
			"network_zone":       "internal",
		},
	}
}

func newGate(policies shield.ContextPolicyStore, devices shield.DeviceStore, profiles shield.RiskProfileStore) *shield.ContextEvaluator {
	return shield.NewContextEvaluator(policies, devices, shield.NewRiskScorer(profiles, nil), nil)
}

func TestContextGateTimeWindow(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID:           "cp-time",
		ResourceType: "secrets",
		Time: &shield.TimeRestriction{
			Enabled:     true,
			AllowedDays: []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
			StartTime:   "09:00",
			EndTime:     "17:00",
		},
	})
	gate := newGate(policies, nil, stores.NewMemoryRiskProfileStore())
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}

	res := gate.Evaluate(context.Background(), req, gateAttrs())
	if !res.Allowed {
		t.Fatalf("wednesday 10:30 is inside the window, got %+v", res)
	}

	attrs := gateAttrs()
	attrs.Environment["current_time"] = time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC)
	res = gate.Evaluate(context.Background(), req, attrs)
	if res.Allowed {
		t.Fatalf("20:00 is outside the window, got %+v", res)
	}

	attrs = gateAttrs()
	attrs.Environment["current_time"] = time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC) // Saturday
	res = gate.Evaluate(context.Background(), req, attrs)
	if res.Allowed {
		t.Fatalf("saturday is not an allowed day, got %+v", res)
	}
}

func TestContextGateOvernightWindowWraps(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID:           "cp-night",
		ResourceType: "batch-jobs",
		Time:         &shield.TimeRestriction{Enabled: true, StartTime: "22:00", EndTime: "06:00"},
	})
	gate := newGate(policies, nil, stores.NewMemoryRiskProfileStore())
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "batch-jobs", Action: "create"}

	attrs := gateAttrs()
	attrs.Environment["current_time"] = time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)
	if res := gate.Evaluate(context.Background(), req, attrs); !res.Allowed {
		t.Fatalf("23:30 is inside the overnight window, got %+v", res)
	}

	attrs.Environment["current_time"] = time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
	if res := gate.Evaluate(context.Background(), req, attrs); !res.Allowed {
		t.Fatalf("03:00 is inside the overnight window, got %+v", res)
	}

	attrs.Environment["current_time"] = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("noon is outside the overnight window, got %+v", res)
	}
}

func TestContextGateLocation(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID:           "cp-loc",
		ResourceType: "secrets",
		Location: &shield.LocationRestriction{
			Enabled:             true,
			AllowedCountries:    []string{"US", "CA"},
			DeniedCountries:     []string{"XX"},
			AllowedNetworkZones: []string{"internal", "vpn"},
		},
	})
	gate := newGate(policies, nil, stores.NewMemoryRiskProfileStore())
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}

	if res := gate.Evaluate(context.Background(), req, gateAttrs()); !res.Allowed {
		t.Fatalf("US/internal passes, got %+v", res)
	}

	attrs := gateAttrs()
	attrs.Context["location"] = "XX"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("denied country must fail, got %+v", res)
	}

	attrs = gateAttrs()
	attrs.Context["location"] = "DE"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("country outside the allow list must fail, got %+v", res)
	}

	attrs = gateAttrs()
	delete(attrs.Context, "location")
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("unknown location must fail while the restriction is enabled, got %+v", res)
	}

	attrs = gateAttrs()
	attrs.Context["network_zone"] = "external"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("external zone is not in the allow list, got %+v", res)
	}
}

func TestContextGateDevice(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID:           "cp-dev",
		ResourceType: "secrets",
		Device:       &shield.DeviceRestriction{Enabled: true, AllowedDeviceTypes: []string{"laptop", "workstation"}},
	})
	devices := stores.NewMemoryDeviceStore()
	devices.PutDevice(&shield.TrustedDevice{
		DeviceID: "laptop-1", PrincipalID: "alice", DeviceType: "laptop", Trusted: true, Active: true,
	})
	devices.PutDevice(&shield.TrustedDevice{
		DeviceID: "phone-1", PrincipalID: "alice", DeviceType: "phone", Trusted: true, Active: true,
	})
	devices.PutDevice(&shield.TrustedDevice{
		DeviceID: "old-1", PrincipalID: "alice", DeviceType: "laptop", Trusted: true, Active: false,
	})
	gate := newGate(policies, devices, stores.NewMemoryRiskProfileStore())
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}

	if res := gate.Evaluate(context.Background(), req, gateAttrs()); !res.Allowed {
		t.Fatalf("trusted active laptop passes, got %+v", res)
	}

	attrs := gateAttrs()
	attrs.Context["device_id"] = "phone-1"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("phone is not an allowed device type, got %+v", res)
	}

	attrs = gateAttrs()
	attrs.Context["device_id"] = "old-1"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("inactive device must fail, got %+v", res)
	}

	attrs = gateAttrs()
	attrs.Context["device_id"] = "unregistered"
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("unregistered device must fail, got %+v", res)
	}

	attrs = gateAttrs()
	delete(attrs.Context, "device_id")
	if res := gate.Evaluate(context.Background(), req, attrs); res.Allowed {
		t.Fatalf("missing device identity must fail, got %+v", res)
	}
}

func TestContextGateRiskStepUp(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID:           "cp-risk",
		ResourceType: "secrets",
		Risk: &shield.RiskRestriction{
			Enabled:             true,
			MaxAllowedRiskScore: 70,
			HighRiskThreshold:   40,
			StepUpAction:        shield.ActionMFA,
		},
	})
	profiles := stores.NewMemoryRiskProfileStore()
	profiles.SetBaseRiskScore("alice", 20)
	gate := newGate(policies, nil, profiles)
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}

	res := gate.Evaluate(context.Background(), req, gateAttrs())
	if !res.Allowed || res.RequiredAction != shield.ActionNone {
		t.Fatalf("score 20 is under every threshold, got %+v", res)
	}
	if res.RiskScore != 20 || res.RiskLevel != shield.RiskLevelLow {
		t.Fatalf("score/level not surfaced, got %+v", res)
	}

	// missing fingerprint pushes the score to 45: allowed, but with mfa
	attrs := gateAttrs()
	attrs.Context["device_fingerprint"] = ""
	res = gate.Evaluate(context.Background(), req, attrs)
	if !res.Allowed || res.RequiredAction != shield.ActionMFA {
		t.Fatalf("score 45 demands a step-up, got %+v", res)
	}

	// impossible travel on top pushes it to 85: above the maximum
	attrs.Context["impossible_travel"] = true
	res = gate.Evaluate(context.Background(), req, attrs)
	if res.Allowed {
		t.Fatalf("score 85 exceeds the maximum 70, got %+v", res)
	}
}

func TestContextGateApprovalOutranksMFA(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID: "cp-approval", ResourceType: "secrets",
		Risk: &shield.RiskRestriction{Enabled: true, MaxAllowedRiskScore: 100, HighRiskThreshold: 30, StepUpAction: shield.ActionApproval},
	})
	policies.AddPolicy(&shield.ContextPolicy{
		ID: "cp-mfa", ResourceType: "secrets",
		Risk: &shield.RiskRestriction{Enabled: true, MaxAllowedRiskScore: 100, HighRiskThreshold: 30, StepUpAction: shield.ActionMFA},
	})
	profiles := stores.NewMemoryRiskProfileStore()
	profiles.SetBaseRiskScore("alice", 50)
	gate := newGate(policies, nil, profiles)
	req := &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}

	res := gate.Evaluate(context.Background(), req, gateAttrs())
	if res.RequiredAction != shield.ActionApproval {
		t.Fatalf("approval must not be downgraded by a later mfa policy, got %+v", res)
	}
}

func TestContextGateWildcardResourceType(t *testing.T) {
	policies := stores.NewMemoryContextPolicyStore()
	policies.AddPolicy(&shield.ContextPolicy{
		ID: "cp-global", ResourceType: "*",
		Location: &shield.LocationRestriction{Enabled: true, DeniedCountries: []string{"XX"}},
	})
	gate := newGate(policies, nil, stores.NewMemoryRiskProfileStore())

	attrs := gateAttrs()
	attrs.Context["location"] = "XX"
	res := gate.Evaluate(context.Background(), &shield.AccessRequest{PrincipalID: "alice", ResourceType: "anything", Action: "read"}, attrs)
	if res.Allowed {
		t.Fatalf("wildcard policy applies to every resource type, got %+v", res)
	}
}

func TestContextGateStoreFailureDenies(t *testing.T) {
	gate := newGate(failingContextPolicies{}, nil, stores.NewMemoryRiskProfileStore())
	res := gate.Evaluate(context.Background(), &shield.AccessRequest{PrincipalID: "alice", ResourceType: "secrets", Action: "read"}, gateAttrs())
	if res.Allowed {
		t.Fatalf("unreachable policy store must deny, got %+v", res)
	}
}
