package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"gopkg.in/yaml.v3"
)

// Config is the complete declarative configuration: identities, policies,
// context restrictions, column rules, flow templates and engine tuning.
type Config struct {
	Version         uint16            `json:"version" yaml:"version"`
	Principals      []*Principal      `json:"principals" yaml:"principals"`
	Roles           []*Role           `json:"roles" yaml:"roles"`
	Policies        []*Policy         `json:"policies" yaml:"policies"`
	ContextPolicies []*ContextPolicy  `json:"context_policies" yaml:"context_policies"`
	ColumnRules     []*ColumnRule     `json:"column_rules" yaml:"column_rules"`
	FlowDefinitions []*FlowDefinition `json:"flow_definitions" yaml:"flow_definitions"`
	Engine          EngineConfig      `json:"engine" yaml:"engine"`
}

type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from YAML or JSON
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks structural soundness of every section without touching
// any store.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, p := range c.Policies {
		if p.ID == "" {
			return fmt.Errorf("policy with empty ID")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy ID %s", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case KindRBAC, KindABAC:
		case KindHCL:
			if err := ValidateHCLContent(p.Content); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
		default:
			return fmt.Errorf("policy %s: unknown kind %q", p.ID, p.Kind)
		}
		if p.Effect != EffectAllow && p.Effect != EffectDeny {
			return fmt.Errorf("policy %s: effect must be allow or deny", p.ID)
		}
	}
	roleNames := map[string]bool{}
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		if roleNames[r.Name] {
			return fmt.Errorf("duplicate role %s", r.Name)
		}
		roleNames[r.Name] = true
	}
	for _, r := range c.Roles {
		for _, parent := range r.Inherits {
			if !roleNames[parent] {
				return fmt.Errorf("role %s inherits unknown role %s", r.Name, parent)
			}
		}
	}
	for _, p := range c.Principals {
		for _, role := range p.Roles {
			if !roleNames[role] {
				return fmt.Errorf("principal %s references unknown role %s", p.ID, role)
			}
		}
	}
	for _, r := range c.ColumnRules {
		switch r.Restriction {
		case RestrictAllow, RestrictDeny, RestrictMask, RestrictRedact, RestrictTokenize:
		default:
			return fmt.Errorf("column rule %s: unknown restriction %q", r.ID, r.Restriction)
		}
	}
	for _, def := range c.FlowDefinitions {
		if def.RequiredApprovals < 1 {
			return fmt.Errorf("flow definition %s: required_approvals must be at least 1", def.ID)
		}
		if len(def.ApproverRoles) == 0 {
			return fmt.Errorf("flow definition %s: approver_roles must not be empty", def.ID)
		}
		if def.Expiry <= 0 {
			return fmt.Errorf("flow definition %s: expiry must be positive", def.ID)
		}
	}
	return nil
}

// principalWriter et al are the optional write surfaces a seedable store may
// expose; the in-memory stores do.
type principalWriter interface {
	PutPrincipal(p *Principal)
	PutRole(r *Role)
}

type contextPolicyWriter interface {
	AddPolicy(p *ContextPolicy)
}

// ApplyConfig applies engine tuning and seeds every store the engine can
// reach. Stores without a write surface are skipped with a warning.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Engine.DecisionCacheTTL > 0 {
		e.cacheTTL = time.Duration(cfg.Engine.DecisionCacheTTL) * time.Millisecond
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.Engine.RistrettoNumCounter,
			MaxCost:     cfg.Engine.RistrettoMaxCost,
			BufferItems: cfg.Engine.RistrettoBuffer,
		})
		if err != nil {
			return fmt.Errorf("decision cache: %w", err)
		}
		e.cache.Close()
		e.cache = cache
	}

	if w, ok := e.identities.(principalWriter); ok {
		for _, r := range cfg.Roles {
			w.PutRole(r)
		}
		for _, p := range cfg.Principals {
			w.PutPrincipal(p)
		}
	} else if len(cfg.Roles) > 0 || len(cfg.Principals) > 0 {
		e.log.Warn("identity store is read-only, skipping principal/role seed")
	}

	for _, p := range cfg.Policies {
		if err := e.policies.CreatePolicy(ctx, p); err != nil {
			if uerr := e.policies.UpdatePolicy(ctx, p); uerr != nil {
				return fmt.Errorf("apply policy %s: %w", p.ID, uerr)
			}
		}
	}

	if e.contextEval != nil {
		if w, ok := e.contextEval.policies.(contextPolicyWriter); ok {
			for _, p := range cfg.ContextPolicies {
				w.AddPolicy(p)
			}
		} else if len(cfg.ContextPolicies) > 0 {
			e.log.Warn("context policy store is read-only, skipping seed")
		}
	}

	if e.columns != nil {
		for _, r := range cfg.ColumnRules {
			if err := e.columns.rules.CreateRule(ctx, r); err != nil {
				return fmt.Errorf("apply column rule %s: %w", r.ID, err)
			}
		}
	}

	e.InvalidateDecisionCache()
	return nil
}

// ApplyFlowDefinitions seeds a writable flow definition store
func (c *Config) ApplyFlowDefinitions(store interface{ PutDefinition(def *FlowDefinition) }) {
	for _, def := range c.FlowDefinitions {
		store.PutDefinition(def)
	}
}
