package shield_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/stores"
)

func flowFixture(t *testing.T, required int, expiry time.Duration) (*shield.FlowEngine, *stores.MemoryFlowStore) {
	t.Helper()
	identities := stores.NewMemoryIdentityStore()
	identities.PutPrincipal(&shield.Principal{ID: "alice", Username: "alice", Active: true, Roles: []string{"engineer", "security"}})
	identities.PutPrincipal(&shield.Principal{ID: "bob", Username: "bob", Active: true, Roles: []string{"security"}})
	identities.PutPrincipal(&shield.Principal{ID: "carol", Username: "carol", Active: true, Roles: []string{"security"}})
	identities.PutPrincipal(&shield.Principal{ID: "dave", Username: "dave", Active: true, Roles: []string{"security"}})
	identities.PutPrincipal(&shield.Principal{ID: "eve", Username: "eve", Active: false, Roles: []string{"security"}})

	definitions := stores.NewMemoryFlowDefinitionStore()
	definitions.PutDefinition(&shield.FlowDefinition{
		ID:                "prod-access",
		Name:              "Production secret access",
		ResourceType:      "secrets",
		ApproverRoles:     []string{"security"},
		RequiredApprovals: required,
		Expiry:            expiry,
	})

	store := stores.NewMemoryFlowStore()
	return shield.NewFlowEngine(store, definitions, identities, nil), store
}

func TestFlowInitiate(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)

	inst, err := engine.Initiate(context.Background(), "prod-access", "alice", "prod/db-password", "read", "incident 4711")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if inst.Status != shield.FlowPending {
		t.Fatalf("fresh flow is pending, got %s", inst.Status)
	}
	// requester and inactive principals are excluded, remainder sorted
	want := []string{"bob", "carol", "dave"}
	if len(inst.Approvers) != len(want) {
		t.Fatalf("approvers = %v, want %v", inst.Approvers, want)
	}
	for i, id := range want {
		if inst.Approvers[i] != id {
			t.Fatalf("approvers = %v, want %v", inst.Approvers, want)
		}
	}
	if !inst.ExpiresAt.After(inst.CreatedAt) {
		t.Fatalf("expiry not applied: created=%v expires=%v", inst.CreatedAt, inst.ExpiresAt)
	}
}

func TestFlowInitiateInsufficientApprovers(t *testing.T) {
	engine, _ := flowFixture(t, 10, time.Hour)

	inst, err := engine.Initiate(context.Background(), "prod-access", "alice", "prod/db-password", "read", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if inst.Status != shield.FlowDenied {
		t.Fatalf("flow nobody can satisfy is denied at creation, got %s", inst.Status)
	}
}

func TestFlowQuorum(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)
	ctx := context.Background()

	inst, err := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	updated, err := engine.Approve(ctx, inst.ID, "bob", "ok")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if updated.Status != shield.FlowPending || updated.ApprovalCount != 1 {
		t.Fatalf("one of two approvals keeps the flow pending, got %+v", updated)
	}

	updated, err = engine.Approve(ctx, inst.ID, "carol", "ok")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if updated.Status != shield.FlowApproved || updated.ResolvedBy != "carol" {
		t.Fatalf("quorum reached must approve, got %+v", updated)
	}

	if _, err := engine.Approve(ctx, inst.ID, "dave", "late"); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("vote on a resolved flow must fail, got %v", err)
	}
}

func TestFlowDuplicateVote(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)
	ctx := context.Background()

	inst, _ := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")
	if _, err := engine.Approve(ctx, inst.ID, "bob", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Approve(ctx, inst.ID, "bob", "again"); err == nil {
		t.Fatal("second vote by the same approver must be rejected")
	}
}

func TestFlowSingleDissentDenies(t *testing.T) {
	engine, _ := flowFixture(t, 3, time.Hour)
	ctx := context.Background()

	inst, _ := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")
	if _, err := engine.Approve(ctx, inst.ID, "bob", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	updated, err := engine.Deny(ctx, inst.ID, "carol", "not during the freeze")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if updated.Status != shield.FlowDenied || updated.ResolvedBy != "carol" {
		t.Fatalf("one dissent resolves the flow, got %+v", updated)
	}
}

func TestFlowNonApproverCannotVote(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)
	ctx := context.Background()

	inst, _ := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")

	// the requester holds the approver role but is excluded from the set
	if _, err := engine.Approve(ctx, inst.ID, "alice", ""); !errors.Is(err, shield.ErrNotAnApprover) {
		t.Fatalf("requester self-approval must fail, got %v", err)
	}
	if _, err := engine.Deny(ctx, inst.ID, "mallory", ""); !errors.Is(err, shield.ErrNotAnApprover) {
		t.Fatalf("outsider vote must fail, got %v", err)
	}
}

func TestFlowCancel(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)
	ctx := context.Background()

	inst, _ := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")

	if _, err := engine.Cancel(ctx, inst.ID, "bob"); !errors.Is(err, shield.ErrNotRequester) {
		t.Fatalf("only the requester may cancel, got %v", err)
	}

	updated, err := engine.Cancel(ctx, inst.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != shield.FlowCancelled {
		t.Fatalf("cancelled flow status = %s", updated.Status)
	}

	if _, err := engine.Cancel(ctx, inst.ID, "alice"); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("cancel on a resolved flow must fail, got %v", err)
	}
}

func TestFlowLazyExpiry(t *testing.T) {
	engine, store := flowFixture(t, 2, -time.Minute)
	ctx := context.Background()

	inst, err := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	got, err := engine.GetInstance(ctx, inst.ID)
	if !errors.Is(err, shield.ErrFlowExpired) {
		t.Fatalf("reading a past-deadline flow expires it, got %v", err)
	}
	if got.Status != shield.FlowExpired {
		t.Fatalf("status after lazy expiry = %s", got.Status)
	}

	// the flow is already terminal, so later votes fail as not-pending
	if _, err := engine.Approve(ctx, inst.ID, "bob", ""); !errors.Is(err, shield.ErrFlowNotPending) {
		t.Fatalf("vote after expiry must fail, got %v", err)
	}

	stored, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get stored instance: %v", err)
	}
	if stored.Status != shield.FlowExpired {
		t.Fatalf("expiry must be persisted, got %s", stored.Status)
	}
}

func TestFlowConcurrentApprovalsResolveOnce(t *testing.T) {
	engine, _ := flowFixture(t, 2, time.Hour)
	ctx := context.Background()

	inst, err := engine.Initiate(ctx, "prod-access", "alice", "prod/db-password", "read", "")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, approver := range []string{"bob", "carol", "dave"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := engine.Approve(ctx, inst.ID, id, ""); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(approver)
	}
	wg.Wait()

	if accepted != 2 {
		t.Fatalf("exactly the quorum of votes is accepted, got %d", accepted)
	}
	final, err := engine.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if final.Status != shield.FlowApproved || final.ApprovalCount != 2 {
		t.Fatalf("flow resolves exactly once, got %+v", final)
	}
}
