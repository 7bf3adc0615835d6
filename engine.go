package shield

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	phlog "github.com/oarkflow/log"

	"github.com/oarkflow/shield/logger"
)

// Engine is the authorization orchestrator: it loads active policies ordered
// by priority, dispatches each to the evaluator for its kind, applies
// deny-override conflict resolution and runs the context/risk gate over the
// aggregate. Callers always receive a decision; errors from collaborator
// stores fail secure as denies.
type Engine struct {
	policies   PolicyStore
	identities IdentityStore
	resources  ResourceStore
	audit      AuditStore

	extractor   *AttributeExtractor
	evaluators  map[PolicyKind]PolicyEvaluator
	contextEval *ContextEvaluator
	columns     *ColumnSecurityEngine

	// stashed by options, built after all options have run so late
	// WithLogger calls still reach every collaborator
	gateCfg     *contextGateConfig
	columnRules ColumnRuleStore

	cache    *ristretto.Cache
	cacheTTL time.Duration

	auditCh chan AuditEntry
	stopCh  chan struct{}

	log         logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time
}

// EngineOption configures optional engine collaborators
type EngineOption func(*Engine) error

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}

func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
		return nil
	}
}

func WithAuditStore(store AuditStore) EngineOption {
	return func(e *Engine) error {
		e.audit = store
		return nil
	}
}

type contextGateConfig struct {
	policies ContextPolicyStore
	devices  DeviceStore
	profiles RiskProfileStore
}

func WithContextPolicies(policies ContextPolicyStore, devices DeviceStore, profiles RiskProfileStore) EngineOption {
	return func(e *Engine) error {
		e.gateCfg = &contextGateConfig{policies: policies, devices: devices, profiles: profiles}
		return nil
	}
}

func WithColumnRules(rules ColumnRuleStore) EngineOption {
	return func(e *Engine) error {
		e.columnRules = rules
		return nil
	}
}

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithDecisionCache sizes the ristretto decision cache
func WithDecisionCache(numCounters, maxCost, bufferItems int64) EngineOption {
	return func(e *Engine) error {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: bufferItems,
		})
		if err != nil {
			return fmt.Errorf("decision cache: %w", err)
		}
		if e.cache != nil {
			e.cache.Close()
		}
		e.cache = cache
		return nil
	}
}

func NewEngine(policies PolicyStore, identities IdentityStore, resources ResourceStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies:    policies,
		identities:  identities,
		resources:   resources,
		cacheTTL:    time.Second,
		log:         logger.NewPhusluLogger(),
		now:         time.Now,
		traceIDFunc: defaultTraceID,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
		e.cache = cache
	}

	if e.gateCfg != nil {
		scorer := NewRiskScorer(e.gateCfg.profiles, e.log)
		e.contextEval = NewContextEvaluator(e.gateCfg.policies, e.gateCfg.devices, scorer, e.log)
	}
	if e.columnRules != nil {
		e.columns = NewColumnSecurityEngine(e.columnRules, e.log)
	}

	e.extractor = NewAttributeExtractor(identities, resources)
	rbac := NewRBACEvaluator(identities, e.log)
	abac := NewABACEvaluator(e.log)
	hclEval := NewHCLEvaluator(e.log)
	e.evaluators = map[PolicyKind]PolicyEvaluator{
		rbac.Kind():    rbac,
		abac.Kind():    abac,
		hclEval.Kind(): hclEval,
	}

	if e.audit != nil {
		e.auditCh = make(chan AuditEntry, 1024)
		go e.auditWorker()
	}
	return e, nil
}

// Close stops the audit worker and releases the decision cache
func (e *Engine) Close() {
	close(e.stopCh)
	if e.cache != nil {
		e.cache.Close()
	}
}

// Columns exposes the column security engine when configured
func (e *Engine) Columns() *ColumnSecurityEngine { return e.columns }

// ============================================================================
// DECISIONS
// ============================================================================

// Authorize answers one access request. Any collaborator failure yields a
// deny decision, never an error past this boundary.
func (e *Engine) Authorize(ctx context.Context, req *AccessRequest) (*Decision, error) {
	if req == nil {
		return nil, errors.New("nil access request")
	}
	key := e.cacheKey(req)
	if hit, found := e.cache.Get(key); found {
		if dec, ok := hit.(*Decision); ok {
			return dec, nil
		}
	}

	decision, _ := e.evaluate(ctx, req, e.now(), false)
	if decision.Outcome != OutcomeError {
		e.cache.SetWithTTL(key, decision, 1, e.cacheTTL)
	}
	e.auditLog(ctx, req, decision)
	return decision, nil
}

// Simulate runs the identical pipeline but returns the full per-policy
// trace and produces no audit or cache side effects.
func (e *Engine) Simulate(ctx context.Context, req *AccessRequest) (*Decision, []PolicyTrace, error) {
	if req == nil {
		return nil, nil, errors.New("nil access request")
	}
	decision, traces := e.evaluate(ctx, req, e.now(), true)
	return decision, traces, nil
}

// BatchAuthorize evaluates multiple requests in order
func (e *Engine) BatchAuthorize(ctx context.Context, reqs []*AccessRequest) ([]*Decision, error) {
	out := make([]*Decision, len(reqs))
	for i, req := range reqs {
		dec, err := e.Authorize(ctx, req)
		if err != nil {
			return nil, err
		}
		out[i] = dec
	}
	return out, nil
}

// evaluate runs the full pipeline at the given instant; every time-derived
// attribute and condition sees that instant, not the wall clock.
func (e *Engine) evaluate(ctx context.Context, req *AccessRequest, at time.Time, withTrace bool) (*Decision, []PolicyTrace) {
	decision := &Decision{
		Outcome:   OutcomeDeny,
		Timestamp: at.UTC(),
	}

	attrs, err := e.extractor.ExtractAt(ctx, req, at)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			decision.Reasons = append(decision.Reasons, "principal not found")
			return decision, nil
		}
		e.log.Error("attribute extraction failed", "principal_id", req.PrincipalID, "error", err)
		decision.Outcome = OutcomeError
		decision.Reasons = append(decision.Reasons, "attribute store unavailable")
		return decision, nil
	}

	policies, err := e.policies.ListActivePolicies(ctx)
	if err != nil {
		e.log.Error("policy load failed", "error", err)
		decision.Outcome = OutcomeError
		decision.Reasons = append(decision.Reasons, "policy store unavailable")
		return decision, nil
	}
	sortPolicies(policies)

	var traces []PolicyTrace
	allowed := false
	denied := false
	for _, pol := range policies {
		ev, ok := e.evaluators[pol.Kind]
		if !ok {
			e.log.Warn("no evaluator for policy kind", "policy_id", pol.ID, "kind", string(pol.Kind))
			continue
		}
		out, err := e.evalPolicy(ctx, ev, pol, req, attrs)
		if err != nil {
			// a broken policy never aborts the whole evaluation
			e.log.Error("policy evaluation failed", "policy_id", pol.ID, "error", err)
			if withTrace {
				traces = append(traces, PolicyTrace{PolicyID: pol.ID, Kind: pol.Kind, Reason: "evaluation error: " + err.Error()})
			}
			continue
		}
		if withTrace {
			traces = append(traces, PolicyTrace{PolicyID: pol.ID, Kind: pol.Kind, Matched: out.Matched, Effect: out.Effect, Reason: out.Reason})
		}
		if !out.Matched {
			continue
		}
		decision.AppliedPolicies = append(decision.AppliedPolicies, pol.ID)
		if out.Effect == EffectDeny {
			// deny-override: stop scanning for later allows
			decision.Reasons = append(decision.Reasons, "denied by policy "+pol.ID+": "+out.Reason)
			denied = true
			break
		}
		allowed = true
		decision.Reasons = append(decision.Reasons, "allowed by policy "+pol.ID+": "+out.Reason)
	}

	if !denied && !allowed {
		decision.Reasons = append(decision.Reasons, "no matching policy")
	}

	if e.contextEval != nil {
		gate := e.contextEval.Evaluate(ctx, req, attrs)
		decision.RiskScore = gate.RiskScore
		decision.RiskLevel = gate.RiskLevel
		decision.RequiredAction = gate.RequiredAction
		if !gate.Allowed {
			denied = true
			allowed = false
			decision.Reasons = append(decision.Reasons, gate.Reasons...)
			if decision.RequiredAction == ActionNone {
				decision.RequiredAction = ActionDeny
			}
		}
	}

	if allowed && !denied {
		decision.Allowed = true
		decision.Outcome = OutcomeAllow
	}
	return decision, traces
}

// evalPolicy isolates one policy: panics and errors become non-matches
func (e *Engine) evalPolicy(ctx context.Context, ev PolicyEvaluator, pol *Policy, req *AccessRequest, attrs *AttributeSet) (out PolicyOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy %s panicked: %v", pol.ID, r)
		}
	}()
	return ev.Evaluate(ctx, pol, req, attrs)
}

// sortPolicies orders priority-descending with ID ascending as the stable
// tie-break.
func sortPolicies(policies []*Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

// ============================================================================
// POLICY ADMINISTRATION
// ============================================================================

func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	p.Enabled = true
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	return nil
}

func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	return nil
}

func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.policies.DeletePolicy(ctx, id); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	return nil
}

func (e *Engine) EnablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, true)
}

func (e *Engine) DisablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, false)
}

func (e *Engine) setPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	p, err := e.policies.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	p.Enabled = enabled
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	return nil
}

// ValidatePolicy rejects structurally invalid policies before they reach the
// store, including malformed HCL such as a deny combined with other
// capabilities.
func (e *Engine) ValidatePolicy(p *Policy) error {
	if p == nil || p.ID == "" {
		return errors.New("policy ID is required")
	}
	switch p.Kind {
	case KindRBAC:
		if p.Content != "" {
			var scope rbacScope
			if err := json.Unmarshal([]byte(p.Content), &scope); err != nil {
				return &PolicyParseError{PolicyID: p.ID, Kind: KindRBAC, Err: err}
			}
		}
	case KindABAC:
		var raw map[string]any
		if err := json.Unmarshal([]byte(p.Content), &raw); err != nil {
			return &PolicyParseError{PolicyID: p.ID, Kind: KindABAC, Err: err}
		}
	case KindHCL:
		if err := ValidateHCLContent(p.Content); err != nil {
			return &PolicyParseError{PolicyID: p.ID, Kind: KindHCL, Err: err}
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("policy %s: effect must be allow or deny", p.ID)
	}
	return nil
}

// InvalidateDecisionCache flushes all cached decisions
func (e *Engine) InvalidateDecisionCache() {
	e.cache.Clear()
}

// ReplayDecision re-evaluates an audit entry's request at its recorded
// timestamp and reports whether the fresh decision still agrees with the
// recorded one. Replaying at the original instant keeps time-conditioned
// policies from reporting spurious drift.
func (e *Engine) ReplayDecision(ctx context.Context, entry *AuditEntry) (*Decision, bool, error) {
	if entry == nil || entry.Decision == nil {
		return nil, false, errors.New("nil audit entry")
	}
	req := &AccessRequest{
		PrincipalID:  entry.PrincipalID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Context:      entry.Metadata,
	}
	at := entry.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	decision, _ := e.evaluate(ctx, req, at, false)
	match := decision.Allowed == entry.Decision.Allowed
	return decision, match, nil
}

// ============================================================================
// CACHE + AUDIT
// ============================================================================

// cacheKey builds a deterministic key covering the request context, since
// conditions may hinge on it.
func (e *Engine) cacheKey(req *AccessRequest) string {
	h := fnv.New64a()
	h.Write([]byte(req.PrincipalID))
	h.Write([]byte{0})
	h.Write([]byte(req.Action))
	h.Write([]byte{0})
	h.Write([]byte(req.ResourceType))
	h.Write([]byte{0})
	h.Write([]byte(req.ResourceID))
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(fmt.Sprint(req.Context[k])))
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (e *Engine) auditLog(ctx context.Context, req *AccessRequest, decision *Decision) {
	traceID := ""
	if e.traceIDFunc != nil {
		traceID = e.traceIDFunc()
	}
	// the logger emits its own trace_id key, so ours gets a distinct name
	phlog.Info().
		Str("decision_trace_id", traceID).
		Str("principal", req.PrincipalID).
		Str("action", req.Action).
		Str("resource", req.ResourceType+"/"+req.ResourceID).
		Bool("allowed", decision.Allowed).
		Str("decision", string(decision.Outcome)).
		Int("risk_score", decision.RiskScore).
		Msg("authorization decision")

	if e.auditCh == nil {
		return
	}
	entry := AuditEntry{
		ID:           traceID,
		Timestamp:    decision.Timestamp,
		PrincipalID:  req.PrincipalID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Decision:     decision,
		TraceID:      traceID,
		Metadata:     req.Context,
	}
	select {
	case e.auditCh <- entry:
	default:
		// drop rather than block the decision path
	}
}

func (e *Engine) auditWorker() {
	bg := context.Background()
	for {
		select {
		case entry := <-e.auditCh:
			if err := e.audit.LogDecision(bg, &entry); err != nil {
				e.log.Error("audit write failed", "entry_id", entry.ID, "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func defaultTraceID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
