package shield_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/stores"
)

const configYAML = `
version: 1
roles:
  - id: r-viewer
    name: viewer
    permissions:
      - resource: documents
        action: read
  - id: r-editor
    name: editor
    inherits: [viewer]
    permissions:
      - resource: documents
        action: update
principals:
  - id: alice
    username: alice
    active: true
    roles: [editor]
  - id: bob
    username: bob
    active: true
    roles: [viewer]
policies:
  - id: rbac-base
    name: Role grants
    kind: rbac
    effect: allow
    priority: 10
    enabled: true
  - id: hcl-secrets
    name: Secrets paths
    kind: hcl
    effect: allow
    priority: 20
    enabled: true
    content: |
      path "secrets/shared/*" {
        capabilities = ["read", "list"]
      }
context_policies:
  - id: cp-geo
    name: Geo fence
    resource_type: documents
    location:
      enabled: true
      denied_countries: [XX]
column_rules:
  - id: cr-email
    table_name: customers
    column_name: email
    operation: read
    restriction: mask
    allowed_roles: [viewer, editor]
    priority: 10
flow_definitions:
  - id: prod-access
    name: Production access
    resource_type: secrets
    approver_roles: [editor]
    required_approvals: 1
    expiry: 3600000000000
engine:
  decision_cache_ttl_ms: 250
`

func TestConfigLoadYAML(t *testing.T) {
	cfg, err := shield.NewConfigLoader().LoadYAML([]byte(configYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Version != 1 || len(cfg.Roles) != 2 || len(cfg.Principals) != 2 || len(cfg.Policies) != 2 {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if cfg.Roles[1].Inherits[0] != "viewer" {
		t.Fatalf("inherits = %v", cfg.Roles[1].Inherits)
	}
	if cfg.Policies[1].Kind != shield.KindHCL || cfg.Policies[1].Content == "" {
		t.Fatalf("hcl policy = %+v", cfg.Policies[1])
	}
	if cfg.FlowDefinitions[0].Expiry != time.Hour {
		t.Fatalf("expiry = %v", cfg.FlowDefinitions[0].Expiry)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	loader := shield.NewConfigLoader()

	yamlPath := filepath.Join(dir, "shield.yaml")
	if err := os.WriteFile(yamlPath, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loader.LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml file: %v", err)
	}

	jsonData, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	jsonPath := filepath.Join(dir, "shield.json")
	if err := os.WriteFile(jsonPath, jsonData, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reloaded, err := loader.LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json file: %v", err)
	}
	if len(reloaded.Policies) != len(cfg.Policies) || reloaded.Policies[0].ID != cfg.Policies[0].ID {
		t.Fatalf("json round trip lost policies: %+v", reloaded.Policies)
	}

	if _, err := loader.LoadFile(filepath.Join(dir, "shield.toml")); err == nil {
		t.Fatal("unsupported extension must be rejected")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	base := func() *shield.Config {
		cfg, err := shield.NewConfigLoader().LoadYAML([]byte(configYAML))
		if err != nil {
			t.Fatalf("load yaml: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Policies = append(cfg.Policies, &shield.Policy{ID: "rbac-base", Kind: shield.KindRBAC, Effect: shield.EffectAllow})
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate policy ID must fail")
	}

	cfg = base()
	cfg.Policies[0].Effect = "maybe"
	if err := cfg.Validate(); err == nil {
		t.Error("bad effect must fail")
	}

	cfg = base()
	cfg.Policies[1].Content = `path "x" {`
	if err := cfg.Validate(); err == nil {
		t.Error("malformed hcl must fail")
	}

	cfg = base()
	cfg.Roles[1].Inherits = []string{"nonexistent"}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown inherited role must fail")
	}

	cfg = base()
	cfg.Principals[0].Roles = []string{"nonexistent"}
	if err := cfg.Validate(); err == nil {
		t.Error("principal with unknown role must fail")
	}

	cfg = base()
	cfg.ColumnRules[0].Restriction = "scramble"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown restriction must fail")
	}

	cfg = base()
	cfg.FlowDefinitions[0].RequiredApprovals = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero required approvals must fail")
	}

	cfg = base()
	cfg.FlowDefinitions[0].Expiry = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero expiry must fail")
	}
}

func TestApplyConfigSeedsEngine(t *testing.T) {
	cfg, err := shield.NewConfigLoader().LoadYAML([]byte(configYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	policyStore := stores.NewMemoryPolicyStore()
	identities := stores.NewMemoryIdentityStore()
	columnRules := stores.NewMemoryColumnRuleStore()
	ctxPolicies := stores.NewMemoryContextPolicyStore()
	engine, err := shield.NewEngine(policyStore, identities, stores.NewMemoryResourceStore(),
		shield.WithColumnRules(columnRules),
		shield.WithContextPolicies(ctxPolicies, stores.NewMemoryDeviceStore(), stores.NewMemoryRiskProfileStore()),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	// seeded role grant flows through the seeded rbac policy
	dec, err := engine.Authorize(ctx, &shield.AccessRequest{
		PrincipalID: "bob", Action: "read", ResourceType: "documents",
		Context: map[string]any{"location": "US"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("seeded grant must allow, got %+v", dec)
	}

	// seeded context policy geofences the same request
	dec, err = engine.Authorize(ctx, &shield.AccessRequest{
		PrincipalID: "bob", Action: "read", ResourceType: "documents",
		Context: map[string]any{"location": "XX"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("seeded geo fence must deny, got %+v", dec)
	}

	// seeded column rule masks for the viewer role
	row, err := engine.Columns().FilterRow(ctx, "customers", "read", []string{"viewer"}, map[string]any{"email": "bob@example.com"})
	if err != nil {
		t.Fatalf("filter row: %v", err)
	}
	if row["email"] != "b*b@example.com" {
		t.Fatalf("seeded mask rule = %v", row["email"])
	}

	// reapplying is idempotent: creates fall back to updates
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("reapply config: %v", err)
	}
}

func TestConfigPolicyEnabledDefaultsTrue(t *testing.T) {
	const yml = `
version: 1
roles:
  - id: r-viewer
    name: viewer
    permissions:
      - resource: documents
        action: read
principals:
  - id: bob
    username: bob
    active: true
    roles: [viewer]
policies:
  - id: rbac-base
    kind: rbac
    effect: allow
    priority: 10
  - id: rbac-freeze
    kind: rbac
    effect: deny
    priority: 99
    enabled: false
`
	cfg, err := shield.NewConfigLoader().LoadYAML([]byte(yml))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	// a policy that never mentions the flag loads active, matching what
	// CreatePolicy does on the admin path
	if !cfg.Policies[0].Enabled {
		t.Fatal("policy without an enabled flag must load enabled")
	}
	if cfg.Policies[1].Enabled {
		t.Fatal("an explicit enabled: false must be preserved")
	}

	// the flag survives a JSON round trip
	jsonData, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	reloaded, err := shield.NewConfigLoader().LoadJSON(jsonData)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if !reloaded.Policies[0].Enabled || reloaded.Policies[1].Enabled {
		t.Fatalf("round trip changed enabled flags: %+v", reloaded.Policies)
	}

	policyStore := stores.NewMemoryPolicyStore()
	engine, err := shield.NewEngine(policyStore, stores.NewMemoryIdentityStore(), stores.NewMemoryResourceStore())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	// the implicit policy decides; the disabled high-priority deny stays inert
	dec, err := engine.Authorize(ctx, &shield.AccessRequest{PrincipalID: "bob", Action: "read", ResourceType: "documents"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("policy seeded without an enabled flag must be active, got %+v", dec)
	}
}

func TestApplyFlowDefinitions(t *testing.T) {
	cfg, err := shield.NewConfigLoader().LoadYAML([]byte(configYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	defs := stores.NewMemoryFlowDefinitionStore()
	cfg.ApplyFlowDefinitions(defs)

	def, err := defs.GetDefinition(context.Background(), "prod-access")
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if def.RequiredApprovals != 1 || def.Expiry != time.Hour {
		t.Fatalf("definition = %+v", def)
	}
}
