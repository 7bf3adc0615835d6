package shield

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oarkflow/shield/logger"
	"github.com/oarkflow/shield/utils"
)

// AccessPolicy is the JSON body of an ABAC policy: structural attribute
// matchers plus an optional condition set.
type AccessPolicy struct {
	Subjects   map[string]any `json:"subjects"`
	Resources  map[string]any `json:"resources"`
	Actions    []string       `json:"actions"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// abacRule is one entry of the alternative {"rules":[...]} content shape.
// Rules are evaluated in array order; the first deny returns immediately.
type abacRule struct {
	Name       string         `json:"name"`
	Effect     Effect         `json:"effect"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

type abacRuleSet struct {
	Rules []abacRule `json:"rules"`
}

// ABACEvaluator evaluates JSON-encoded attribute policies. Evaluation order
// per policy is fixed: subject match, resource match, action membership,
// condition set; the first failure short-circuits to "no match".
type ABACEvaluator struct {
	log logger.Logger
}

func NewABACEvaluator(log logger.Logger) *ABACEvaluator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &ABACEvaluator{log: log}
}

func (e *ABACEvaluator) Kind() PolicyKind { return KindABAC }

func (e *ABACEvaluator) Evaluate(ctx context.Context, policy *Policy, req *AccessRequest, attrs *AttributeSet) (PolicyOutcome, error) {
	content := strings.TrimSpace(policy.Content)
	if content == "" {
		return PolicyOutcome{Reason: "empty abac policy"}, nil
	}

	if strings.Contains(content, `"rules"`) {
		var set abacRuleSet
		if err := json.Unmarshal([]byte(content), &set); err == nil && len(set.Rules) > 0 {
			return e.evaluateRules(policy, set.Rules, req, attrs), nil
		}
	}

	var ap AccessPolicy
	if err := json.Unmarshal([]byte(content), &ap); err != nil {
		return PolicyOutcome{}, &PolicyParseError{PolicyID: policy.ID, Kind: KindABAC, Err: err}
	}

	if !matchAttributes(ap.Subjects, attrs.Subject) {
		return PolicyOutcome{Reason: "subject attributes do not match"}, nil
	}
	if !matchAttributes(ap.Resources, attrs.Resource) {
		return PolicyOutcome{Reason: "resource attributes do not match"}, nil
	}
	if !actionListed(ap.Actions, req.Action) {
		return PolicyOutcome{Reason: "action not covered"}, nil
	}
	if ok, why := e.evalConditions(policy.ID, ap.Conditions, attrs); !ok {
		return PolicyOutcome{Reason: why}, nil
	}
	return PolicyOutcome{Matched: true, Effect: policy.Effect, Reason: "attribute policy matched"}, nil
}

// evaluateRules walks the ordered rule list; the first deny whose action,
// resource and conditions match wins immediately, otherwise the first
// matching allow.
func (e *ABACEvaluator) evaluateRules(policy *Policy, rules []abacRule, req *AccessRequest, attrs *AttributeSet) PolicyOutcome {
	for _, rule := range rules {
		if rule.Action != "*" && rule.Action != req.Action {
			continue
		}
		if rule.Resource != "*" && !utils.MatchPattern(req.ResourceType, rule.Resource) {
			continue
		}
		if ok, _ := e.evalConditions(policy.ID, rule.Conditions, attrs); !ok {
			continue
		}
		if rule.Effect == EffectDeny {
			return PolicyOutcome{Matched: true, Effect: EffectDeny, Reason: "rule " + rule.Name + " denies"}
		}
		return PolicyOutcome{Matched: true, Effect: EffectAllow, Reason: "rule " + rule.Name + " allows"}
	}
	return PolicyOutcome{Reason: "no rule matched"}
}

// matchAttributes applies structural equality per key. A JSON array on the
// policy side means the actual value must be a member of that set; an array
// on the actual side (roles) matches when it contains the policy value.
func matchAttributes(want, have map[string]any) bool {
	for key, expected := range want {
		actual, ok := have[key]
		if !ok {
			return false
		}
		if !valueMatches(expected, actual) {
			return false
		}
	}
	return true
}

func valueMatches(expected, actual any) bool {
	if set, ok := expected.([]any); ok {
		for _, item := range set {
			if valueMatches(item, actual) {
				return true
			}
		}
		return false
	}
	switch av := actual.(type) {
	case []string:
		es := fmt.Sprint(expected)
		for _, s := range av {
			if s == es {
				return true
			}
		}
		return false
	case []any:
		for _, item := range av {
			if scalarEqual(expected, item) {
				return true
			}
		}
		return false
	default:
		return scalarEqual(expected, actual)
	}
}

// scalarEqual tolerates the int/float64 split JSON decoding produces
func scalarEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func actionListed(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// ============================================================================
// CONDITION VOCABULARY
// ============================================================================

// evalConditions checks the closed condition vocabulary. Unknown condition
// keys are logged and skipped, preserving the permissive behavior of the
// original engine.
func (e *ABACEvaluator) evalConditions(policyID string, conditions map[string]any, attrs *AttributeSet) (bool, string) {
	for key, expected := range conditions {
		switch key {
		case "time_of_day":
			if !matchTimeOfDay(fmt.Sprint(expected), envTime(attrs)) {
				return false, "time_of_day condition failed"
			}
		case "ip_address", "ip_range":
			ip, _ := attrs.Context["ip_address"].(string)
			if !matchIP(ip, expected) {
				return false, key + " condition failed"
			}
		case "device_compliance":
			want, _ := expected.(bool)
			fingerprint, _ := attrs.Context["device_fingerprint"].(string)
			if (fingerprint != "") != want {
				return false, "device_compliance condition failed"
			}
		case "location":
			loc, _ := attrs.Context["location"].(string)
			if loc == "" || loc != fmt.Sprint(expected) {
				return false, "location condition failed"
			}
		default:
			e.log.Warn("unknown abac condition skipped", "policy_id", policyID, "condition", key)
		}
	}
	return true, ""
}

// matchTimeOfDay checks the fixed hour bands: business 09:00-17:00 and
// daytime 06:00-18:00, with after_hours/nighttime as their complements.
func matchTimeOfDay(band string, t time.Time) bool {
	h := t.Hour()
	switch band {
	case "business_hours":
		return h >= 9 && h < 17
	case "after_hours":
		return h < 9 || h >= 17
	case "daytime":
		return h >= 6 && h < 18
	case "nighttime":
		return h < 6 || h >= 18
	}
	return false
}

// matchIP supports exact match, the "*" wildcard, CIDR ranges and a
// dotted-prefix shorthand such as "10.0.".
func matchIP(ip string, expected any) bool {
	if set, ok := expected.([]any); ok {
		for _, item := range set {
			if matchIP(ip, item) {
				return true
			}
		}
		return false
	}
	pattern := fmt.Sprint(expected)
	if pattern == "*" {
		return true
	}
	if ip == "" {
		return false
	}
	if pattern == ip {
		return true
	}
	if strings.Contains(pattern, "/") {
		_, ipnet, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		parsed := net.ParseIP(ip)
		return parsed != nil && ipnet.Contains(parsed)
	}
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(ip, pattern)
	}
	return false
}

func envTime(attrs *AttributeSet) time.Time {
	if t, ok := attrs.Environment["current_time"].(time.Time); ok {
		return t
	}
	return time.Now().UTC()
}
