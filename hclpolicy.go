package shield

import (
	"context"
	"strings"
	"sync"

	"github.com/oarkflow/shield/hcl"
	"github.com/oarkflow/shield/logger"
)

// HCLEvaluator evaluates path/capability policies. Parsed policies are
// cached per policy ID with the checksum they were parsed from; an update
// replaces the entry, so the cache holds at most one parse per policy.
type HCLEvaluator struct {
	log logger.Logger

	mu    sync.RWMutex
	cache map[string]parsedHCL
}

type parsedHCL struct {
	checksum string
	policy   *hcl.Policy
}

func NewHCLEvaluator(log logger.Logger) *HCLEvaluator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &HCLEvaluator{log: log, cache: make(map[string]parsedHCL)}
}

func (e *HCLEvaluator) Kind() PolicyKind { return KindHCL }

// Evaluate matches the request path against the policy's path blocks. The
// request path is "<resource_type>/<resource_id>" when an ID is present,
// otherwise the bare resource type. An explicit deny is reported as a deny
// match regardless of the policy's declared effect.
func (e *HCLEvaluator) Evaluate(ctx context.Context, policy *Policy, req *AccessRequest, attrs *AttributeSet) (PolicyOutcome, error) {
	parsed, err := e.parse(policy)
	if err != nil {
		return PolicyOutcome{}, err
	}

	path := req.ResourceType
	if req.ResourceID != "" {
		path = req.ResourceType + "/" + req.ResourceID
		// callers may address secrets by full path in resource_id alone
		if req.ResourceType == "" || strings.HasPrefix(req.ResourceID, req.ResourceType+"/") {
			path = req.ResourceID
		}
	}

	res := parsed.Evaluate(path, req.Action)
	switch {
	case res.Denied:
		return PolicyOutcome{Matched: true, Effect: EffectDeny, Reason: "path " + path + " explicitly denied"}, nil
	case res.Allowed:
		return PolicyOutcome{Matched: true, Effect: policy.Effect, Reason: "path " + path + " grants capability " + capabilityLabel(res)}, nil
	case res.Matched:
		return PolicyOutcome{Reason: "path matched but capability " + capabilityLabel(res) + " not granted"}, nil
	default:
		return PolicyOutcome{Reason: "no path block matches " + path}, nil
	}
}

func capabilityLabel(res hcl.Result) string {
	if res.Capability == "" {
		return "sudo"
	}
	return res.Capability
}

func (e *HCLEvaluator) parse(policy *Policy) (*hcl.Policy, error) {
	sum := policy.Checksum()
	e.mu.RLock()
	entry, ok := e.cache[policy.ID]
	e.mu.RUnlock()
	if ok && entry.checksum == sum {
		return entry.policy, nil
	}

	parsed, err := hcl.Parse(policy.Content)
	if err != nil {
		return nil, &PolicyParseError{PolicyID: policy.ID, Kind: KindHCL, Err: err}
	}
	e.mu.Lock()
	e.cache[policy.ID] = parsedHCL{checksum: sum, policy: parsed}
	e.mu.Unlock()
	return parsed, nil
}

// ValidateHCLContent is used by the admin operations before persisting a
// policy: it surfaces parse errors, including the deny-exclusivity rule.
func ValidateHCLContent(content string) error {
	_, err := hcl.Parse(content)
	return err
}
