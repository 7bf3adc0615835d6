package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
)

// SQLPolicyStore persists policies in SQL (squealx)
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *shield.Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	q := `INSERT INTO policies(id, name, kind, effect, priority, content, enabled, created_at, updated_at) VALUES(:id, :name, :kind, :effect, :priority, :content, :enabled, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"kind":       string(p.Kind),
		"effect":     string(p.Effect),
		"priority":   p.Priority,
		"content":    p.Content,
		"enabled":    boolToInt(p.Enabled),
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *shield.Policy) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	// snapshot the current row to history before overwriting (append-only)
	if err := s.snapshotExistingPolicy(ctx, p.ID); err != nil {
		return err
	}
	q := `UPDATE policies SET name=:name, kind=:kind, effect=:effect, priority=:priority, content=:content, enabled=:enabled, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"kind":       string(p.Kind),
		"effect":     string(p.Effect),
		"priority":   p.Priority,
		"content":    p.Content,
		"enabled":    boolToInt(p.Enabled),
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*shield.Policy, error) {
	q := `SELECT id, name, kind, effect, priority, content, enabled, created_at, updated_at FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListActivePolicies(ctx context.Context) ([]*shield.Policy, error) {
	q := `SELECT id, name, kind, effect, priority, content, enabled, created_at, updated_at FROM policies WHERE enabled = 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func scanPolicy(r rowScanner) (*shield.Policy, error) {
	var id, name, kind, effect, content string
	var priority, enabledInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &name, &kind, &effect, &priority, &content, &enabledInt, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &shield.Policy{
		ID:        id,
		Name:      name,
		Kind:      shield.PolicyKind(kind),
		Effect:    shield.Effect(effect),
		Priority:  priority,
		Content:   content,
		Enabled:   enabledInt != 0,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}, nil
}

// snapshotExistingPolicy reads the current policy and inserts it into the history table
func (s *SQLPolicyStore) snapshotExistingPolicy(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *shield.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, checksum, snapshot_json) VALUES(:policy_id, :checksum, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.ID,
		"checksum":      p.Checksum(),
		"snapshot_json": string(b),
	})
	return err
}

func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*shield.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY created_at ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		p := &shield.Policy{}
		if err := json.Unmarshal([]byte(snap), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	return out, nil
}
