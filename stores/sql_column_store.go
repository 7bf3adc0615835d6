package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/squealx"
)

// SQLColumnRuleStore persists column security rules in SQL
type SQLColumnRuleStore struct {
	db *squealx.DB
}

func NewSQLColumnRuleStore(db *squealx.DB) *SQLColumnRuleStore {
	return &SQLColumnRuleStore{db: db}
}

func (s *SQLColumnRuleStore) CreateRule(ctx context.Context, r *shield.ColumnRule) error {
	allowed, _ := json.Marshal(r.AllowedRoles)
	denied, _ := json.Marshal(r.DeniedRoles)
	q := `INSERT INTO column_rules(id, table_name, column_name, operation, restriction, masking_pattern, allowed_roles_json, denied_roles_json, priority) VALUES(:id, :table_name, :column_name, :operation, :restriction, :masking_pattern, :allowed_roles_json, :denied_roles_json, :priority)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                 r.ID,
		"table_name":         r.TableName,
		"column_name":        r.ColumnName,
		"operation":          r.Operation,
		"restriction":        string(r.Restriction),
		"masking_pattern":    r.MaskingPattern,
		"allowed_roles_json": string(allowed),
		"denied_roles_json":  string(denied),
		"priority":           r.Priority,
	})
	return err
}

func (s *SQLColumnRuleStore) DeleteRule(ctx context.Context, id string) error {
	q := `DELETE FROM column_rules WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLColumnRuleStore) RulesForTable(ctx context.Context, tableName string) ([]*shield.ColumnRule, error) {
	q := `SELECT id, table_name, column_name, operation, restriction, masking_pattern, allowed_roles_json, denied_roles_json, priority FROM column_rules WHERE table_name = :table_name OR table_name = '*'`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"table_name": tableName})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*shield.ColumnRule, 0)
	for r.Next() {
		var id, table, column, operation, restriction, pattern, allowedJSON, deniedJSON string
		var priority int
		if err := r.Scan(&id, &table, &column, &operation, &restriction, &pattern, &allowedJSON, &deniedJSON, &priority); err != nil {
			return nil, err
		}
		rule := &shield.ColumnRule{
			ID:             id,
			TableName:      table,
			ColumnName:     column,
			Operation:      operation,
			Restriction:    shield.RestrictionType(restriction),
			MaskingPattern: pattern,
			Priority:       priority,
		}
		_ = json.Unmarshal([]byte(allowedJSON), &rule.AllowedRoles)
		_ = json.Unmarshal([]byte(deniedJSON), &rule.DeniedRoles)
		out = append(out, rule)
	}
	return out, nil
}
