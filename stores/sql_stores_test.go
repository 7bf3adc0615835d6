package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// a second connection to :memory: would see a different database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLPolicyStoreRoundtrip(t *testing.T) {
	store := NewSQLPolicyStore(openTestDB(t))
	ctx := context.Background()

	p := &shield.Policy{
		ID:       "rbac-base",
		Name:     "Role grants",
		Kind:     shield.KindRBAC,
		Effect:   shield.EffectAllow,
		Priority: 10,
		Enabled:  true,
	}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetPolicy(ctx, "rbac-base")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != p.Name || got.Kind != p.Kind || got.Effect != p.Effect || got.Priority != p.Priority || !got.Enabled {
		t.Fatalf("roundtrip = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps lost: %+v", got)
	}

	active, err := store.ListActivePolicies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d", len(active))
	}

	got.Enabled = false
	got.UpdatedAt = time.Time{}
	if err := store.UpdatePolicy(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, err = store.ListActivePolicies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("disabled policy still listed: %d", len(active))
	}

	if err := store.DeletePolicy(ctx, "rbac-base"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPolicy(ctx, "rbac-base"); err == nil {
		t.Fatal("deleted policy still readable")
	}
}

func TestSQLPolicyStoreHistory(t *testing.T) {
	store := NewSQLPolicyStore(openTestDB(t))
	ctx := context.Background()

	p := &shield.Policy{ID: "hcl-secrets", Kind: shield.KindHCL, Effect: shield.EffectAllow, Enabled: true, Content: `path "a/*" { capabilities = ["read"] }`}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Content = `path "a/*" { capabilities = ["read", "list"] }`
	p.UpdatedAt = time.Time{}
	if err := store.UpdatePolicy(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	history, err := store.GetPolicyHistory(ctx, "hcl-secrets")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// create snapshot, pre-update snapshot, post-update snapshot
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	contents := map[string]bool{}
	for _, snap := range history {
		contents[snap.Content] = true
	}
	if len(contents) != 2 {
		t.Fatalf("history must record both content versions, saw %d", len(contents))
	}

	if _, err := store.GetPolicyHistory(ctx, "nonexistent"); err == nil {
		t.Fatal("missing history must error")
	}
}

func TestSQLAuditStoreRoundtrip(t *testing.T) {
	store, err := NewSQLAuditStore(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	entry := &shield.AuditEntry{
		ID:           "evt-1",
		Timestamp:    time.Now().UTC(),
		PrincipalID:  "alice",
		Action:       "read",
		ResourceType: "documents",
		ResourceID:   "doc-1",
		Decision: &shield.Decision{
			Allowed:         true,
			Outcome:         shield.OutcomeAllow,
			Reasons:         []string{"allowed by policy rbac-base: role permission grants documents:read"},
			AppliedPolicies: []string{"rbac-base"},
			RiskScore:       25,
			Timestamp:       time.Now().UTC(),
		},
		TraceID:  "trace-abc-123",
		Metadata: map[string]any{"location": "US"},
	}
	if err := store.LogDecision(ctx, entry); err != nil {
		t.Fatalf("log decision: %v", err)
	}
	if err := store.LogDecision(ctx, &shield.AuditEntry{
		ID: "evt-2", Timestamp: time.Now().UTC(), PrincipalID: "bob", Action: "delete",
		ResourceType: "documents", Decision: &shield.Decision{Allowed: false, Outcome: shield.OutcomeDeny},
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}

	logs, err := store.GetAccessLog(ctx, shield.AuditFilter{PrincipalID: "alice", Limit: 10})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d", len(logs))
	}
	got := logs[0]
	if got.TraceID != "trace-abc-123" || got.Decision == nil || !got.Decision.Allowed || got.Decision.RiskScore != 25 {
		t.Fatalf("entry = %+v decision = %+v", got, got.Decision)
	}
	if got.Metadata["location"] != "US" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}

	logs, err = store.GetAccessLog(ctx, shield.AuditFilter{Action: "delete"})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(logs) != 1 || logs[0].PrincipalID != "bob" {
		t.Fatalf("action filter = %+v", logs)
	}
}

func TestSQLColumnRuleStore(t *testing.T) {
	store := NewSQLColumnRuleStore(openTestDB(t))
	ctx := context.Background()

	if err := store.CreateRule(ctx, &shield.ColumnRule{
		ID: "cr-email", TableName: "customers", ColumnName: "email", Operation: "read",
		Restriction: shield.RestrictMask, AllowedRoles: []string{"support"}, DeniedRoles: []string{"contractor"}, Priority: 10,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateRule(ctx, &shield.ColumnRule{
		ID: "cr-global", TableName: "*", ColumnName: "ssn", Operation: "*",
		Restriction: shield.RestrictRedact, Priority: 99,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rules, err := store.RulesForTable(ctx, "customers")
	if err != nil {
		t.Fatalf("rules for table: %v", err)
	}
	// table-specific plus the wildcard-table rule
	if len(rules) != 2 {
		t.Fatalf("rules = %d", len(rules))
	}
	byID := map[string]*shield.ColumnRule{}
	for _, r := range rules {
		byID[r.ID] = r
	}
	email := byID["cr-email"]
	if email == nil || email.AllowedRoles[0] != "support" || email.DeniedRoles[0] != "contractor" {
		t.Fatalf("role lists lost: %+v", email)
	}

	if err := store.DeleteRule(ctx, "cr-email"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rules, err = store.RulesForTable(ctx, "customers")
	if err != nil {
		t.Fatalf("rules for table: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "cr-global" {
		t.Fatalf("rules after delete = %+v", rules)
	}
}

func seedFlowInstance(t *testing.T, store *SQLFlowStore, required int) *shield.FlowInstance {
	t.Helper()
	now := time.Now().UTC()
	inst := &shield.FlowInstance{
		ID:                "flow-1",
		DefinitionID:      "prod-access",
		RequesterID:       "alice",
		ResourceType:      "secrets",
		ResourceID:        "prod/db-password",
		Action:            "read",
		Status:            shield.FlowPending,
		Approvers:         []string{"bob", "carol", "dave"},
		RequiredApprovals: required,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func vote(id, approver string, approved bool) *shield.FlowApproval {
	return &shield.FlowApproval{InstanceID: id, ApproverID: approver, Approved: approved, Timestamp: time.Now().UTC()}
}

func TestSQLFlowStoreQuorum(t *testing.T) {
	store := NewSQLFlowStore(openTestDB(t))
	ctx := context.Background()
	inst := seedFlowInstance(t, store, 2)

	updated, err := store.RecordApproval(ctx, vote(inst.ID, "bob", true))
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if updated.Status != shield.FlowPending || updated.ApprovalCount != 1 {
		t.Fatalf("after first vote: %+v", updated)
	}

	updated, err = store.RecordApproval(ctx, vote(inst.ID, "carol", true))
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if updated.Status != shield.FlowApproved || updated.ApprovalCount != 2 || updated.ResolvedBy != "carol" {
		t.Fatalf("quorum flip: %+v", updated)
	}

	// a late vote fails and leaves no vote row behind
	if _, err := store.RecordApproval(ctx, vote(inst.ID, "dave", true)); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("late vote = %v", err)
	}
	votes, err := store.ListApprovals(ctx, inst.ID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(votes) != 2 {
		t.Fatalf("votes = %d", len(votes))
	}
}

func TestSQLFlowStoreDuplicateVote(t *testing.T) {
	store := NewSQLFlowStore(openTestDB(t))
	ctx := context.Background()
	inst := seedFlowInstance(t, store, 3)

	if _, err := store.RecordApproval(ctx, vote(inst.ID, "bob", true)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	// primary key (instance_id, approver_id) rejects the second insert
	if _, err := store.RecordApproval(ctx, vote(inst.ID, "bob", true)); err == nil {
		t.Fatal("duplicate vote must fail")
	}
	got, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.ApprovalCount != 1 {
		t.Fatalf("duplicate vote must not inflate the tally: %+v", got)
	}
}

func TestSQLFlowStoreDenial(t *testing.T) {
	store := NewSQLFlowStore(openTestDB(t))
	ctx := context.Background()
	inst := seedFlowInstance(t, store, 2)

	if _, err := store.RecordApproval(ctx, vote(inst.ID, "bob", true)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	updated, err := store.RecordDenial(ctx, vote(inst.ID, "carol", false))
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if updated.Status != shield.FlowDenied || updated.ResolvedBy != "carol" {
		t.Fatalf("denial = %+v", updated)
	}

	if _, err := store.RecordDenial(ctx, vote(inst.ID, "dave", false)); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("second denial = %v", err)
	}
}

func TestSQLFlowStoreTransitionStatus(t *testing.T) {
	store := NewSQLFlowStore(openTestDB(t))
	ctx := context.Background()
	inst := seedFlowInstance(t, store, 2)

	updated, err := store.TransitionStatus(ctx, inst.ID, shield.FlowPending, shield.FlowCancelled, "alice")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != shield.FlowCancelled || updated.ResolvedBy != "alice" {
		t.Fatalf("transition = %+v", updated)
	}

	// the guard is the expected from-status
	if _, err := store.TransitionStatus(ctx, inst.ID, shield.FlowPending, shield.FlowExpired, ""); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("second transition = %v", err)
	}
}

func TestSQLFlowStoreListPendingForApprover(t *testing.T) {
	store := NewSQLFlowStore(openTestDB(t))
	ctx := context.Background()
	inst := seedFlowInstance(t, store, 2)

	pending, err := store.ListPendingForApprover(ctx, "bob")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Fatalf("pending = %+v", pending)
	}
	if len(pending[0].Approvers) != 3 {
		t.Fatalf("approvers lost in roundtrip: %+v", pending[0].Approvers)
	}

	pending, err = store.ListPendingForApprover(ctx, "mallory")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("non-approver sees %d flows", len(pending))
	}

	if _, err := store.TransitionStatus(ctx, inst.ID, shield.FlowPending, shield.FlowCancelled, "alice"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	pending, err = store.ListPendingForApprover(ctx, "bob")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("resolved flow still pending: %+v", pending)
	}
}
