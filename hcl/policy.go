package hcl

import (
	"fmt"
	"regexp"
	"strings"
)

// Capabilities a path block may grant.
const (
	CapabilityCreate = "create"
	CapabilityRead   = "read"
	CapabilityUpdate = "update"
	CapabilityDelete = "delete"
	CapabilityList   = "list"
	CapabilityPatch  = "patch"
	CapabilitySudo   = "sudo"
	CapabilityDeny   = "deny"
)

var validCapabilities = map[string]bool{
	CapabilityCreate: true,
	CapabilityRead:   true,
	CapabilityUpdate: true,
	CapabilityDelete: true,
	CapabilityList:   true,
	CapabilityPatch:  true,
	CapabilitySudo:   true,
	CapabilityDeny:   true,
}

// CapabilityForAction maps a request action to the capability it requires.
// The second return is false for actions outside the fixed vocabulary.
func CapabilityForAction(action string) (string, bool) {
	switch action {
	case "create":
		return CapabilityCreate, true
	case "read", "get":
		return CapabilityRead, true
	case "update", "put":
		return CapabilityUpdate, true
	case "delete":
		return CapabilityDelete, true
	case "list":
		return CapabilityList, true
	case "patch":
		return CapabilityPatch, true
	}
	return "", false
}

// Policy is a parsed set of path rules
type Policy struct {
	Paths []*PathRule
}

// PathRule is one path block. The glob is compiled once at parse time.
type PathRule struct {
	Pattern           string
	Capabilities      []string
	AllowedParameters map[string][]string
	DeniedParameters  []string
	MinWrappingTTL    int
	MaxWrappingTTL    int

	re *regexp.Regexp
}

// HasCapability reports whether the block grants the capability directly
func (r *PathRule) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IsDeny reports whether the block is an explicit unconditional deny
func (r *PathRule) IsDeny() bool { return r.HasCapability(CapabilityDeny) }

// Matches checks a request path against the block's glob. An exact string
// comparison is tried before the compiled pattern; glob matching is anchored
// so the path must match in its entirety.
func (r *PathRule) Matches(path string) bool {
	if path == r.Pattern {
		return true
	}
	if r.re == nil {
		return false
	}
	return r.re.MatchString(path)
}

// compile translates the glob into an anchored regexp: '*' matches any run
// of characters including none, '+' matches one or more. Patterns without
// wildcards stay exact-match only.
func (r *PathRule) compile() error {
	if !strings.ContainsAny(r.Pattern, "*+") {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, ch := range r.Pattern {
		switch ch {
		case '*':
			sb.WriteString(".*")
		case '+':
			sb.WriteString(".+")
		default:
			sb.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return fmt.Errorf("path pattern %q: %w", r.Pattern, err)
	}
	r.re = re
	return nil
}

// validate enforces the block-level invariants: known capabilities only, and
// a deny block carries no other capability.
func (r *PathRule) validate() error {
	if len(r.Capabilities) == 0 {
		return fmt.Errorf("path %q: capabilities list is empty", r.Pattern)
	}
	for _, c := range r.Capabilities {
		if !validCapabilities[c] {
			return fmt.Errorf("path %q: unknown capability %q", r.Pattern, c)
		}
	}
	if r.IsDeny() && len(r.Capabilities) > 1 {
		return fmt.Errorf("path %q: deny cannot be combined with other capabilities", r.Pattern)
	}
	if r.MinWrappingTTL > 0 && r.MaxWrappingTTL > 0 && r.MinWrappingTTL > r.MaxWrappingTTL {
		return fmt.Errorf("path %q: min_wrapping_ttl exceeds max_wrapping_ttl", r.Pattern)
	}
	return nil
}

// Result of evaluating a policy for one path and action.
type Result struct {
	Matched    bool   // some path block matched the request path
	Denied     bool   // a matching block holds the deny capability
	Allowed    bool   // a matching block grants the required capability
	Capability string // the capability the action required
}

// Evaluate resolves the policy's contribution for a request path and action.
// Explicit deny wins over any allow within the policy; sudo satisfies every
// action, including actions outside the fixed mapping.
func (p *Policy) Evaluate(path, action string) Result {
	required, known := CapabilityForAction(action)
	res := Result{Capability: required}
	for _, rule := range p.Paths {
		if !rule.Matches(path) {
			continue
		}
		res.Matched = true
		if rule.IsDeny() {
			res.Denied = true
			res.Allowed = false
			return res
		}
		if rule.HasCapability(CapabilitySudo) {
			res.Allowed = true
			continue
		}
		if known && rule.HasCapability(required) {
			res.Allowed = true
		}
	}
	return res
}
