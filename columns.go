package shield

import (
	"context"
	"fmt"
	"sort"

	"github.com/oarkflow/shield/logger"
)

// RestrictionType is the action taken on a column value
type RestrictionType string

const (
	RestrictAllow    RestrictionType = "allow"
	RestrictDeny     RestrictionType = "deny"
	RestrictMask     RestrictionType = "mask"
	RestrictRedact   RestrictionType = "redact"
	RestrictTokenize RestrictionType = "tokenize"
)

// ColumnRule restricts one (table, column, operation) triple. ColumnName
// and Operation accept "*" as a wildcard. Resolution is priority-descending;
// a denied-role match short-circuits to deny regardless of lower-priority
// allow rules.
type ColumnRule struct {
	ID             string          `json:"id" yaml:"id"`
	TableName      string          `json:"table_name" yaml:"table_name"`
	ColumnName     string          `json:"column_name" yaml:"column_name"`
	Operation      string          `json:"operation" yaml:"operation"`
	Restriction    RestrictionType `json:"restriction" yaml:"restriction"`
	MaskingPattern string          `json:"masking_pattern,omitempty" yaml:"masking_pattern,omitempty"`
	AllowedRoles   []string        `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	DeniedRoles    []string        `json:"denied_roles,omitempty" yaml:"denied_roles,omitempty"`
	Priority       int             `json:"priority" yaml:"priority"`
}

func (r *ColumnRule) appliesTo(column, operation string) bool {
	if r.ColumnName != "*" && r.ColumnName != column {
		return false
	}
	return r.Operation == "*" || r.Operation == operation
}

// ColumnSecurityEngine applies column rules to already-authorized result
// rows. The rule store is injected and must be safe for concurrent use.
type ColumnSecurityEngine struct {
	rules ColumnRuleStore
	log   logger.Logger
}

func NewColumnSecurityEngine(rules ColumnRuleStore, log logger.Logger) *ColumnSecurityEngine {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &ColumnSecurityEngine{rules: rules, log: log}
}

// ResolveColumn resolves the restriction for one column. With no applicable
// rules at all the column defaults to allow (no restriction declared); with
// rules present but none matching the principal's roles it defaults to deny.
func (e *ColumnSecurityEngine) ResolveColumn(ctx context.Context, table, column, operation string, roles []string) (RestrictionType, *ColumnRule, error) {
	rules, err := e.rules.RulesForTable(ctx, table)
	if err != nil {
		return RestrictDeny, nil, fmt.Errorf("column rules for %s: %w", table, err)
	}

	applicable := make([]*ColumnRule, 0, len(rules))
	for _, r := range rules {
		if r.appliesTo(column, operation) {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return RestrictAllow, nil, nil
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Priority > applicable[j].Priority
	})

	for _, r := range applicable {
		if rolesIntersect(r.DeniedRoles, roles) {
			return RestrictDeny, r, nil
		}
		if len(r.AllowedRoles) == 0 || rolesIntersect(r.AllowedRoles, roles) {
			return r.Restriction, r, nil
		}
	}
	// rules exist but none matched the principal's roles
	return RestrictDeny, nil, nil
}

// FilterRow applies the resolved restrictions to one result row in place of
// the returned copy: masked and tokenized values are substituted as strings,
// denied columns are removed from the map entirely.
func (e *ColumnSecurityEngine) FilterRow(ctx context.Context, table, operation string, roles []string, row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for column, value := range row {
		restriction, rule, err := e.ResolveColumn(ctx, table, column, operation, roles)
		if err != nil {
			// fail secure: drop the column when resolution fails
			e.log.Error("column rule resolution failed", "table", table, "column", column, "error", err)
			continue
		}
		switch restriction {
		case RestrictAllow:
			out[column] = value
		case RestrictDeny:
			// removed, not nulled
		case RestrictMask:
			pattern := ""
			if rule != nil {
				pattern = rule.MaskingPattern
			}
			out[column] = Mask(stringify(value), column, pattern)
		case RestrictRedact:
			out[column] = Redact()
		case RestrictTokenize:
			out[column] = Tokenize(stringify(value), column)
		}
	}
	return out, nil
}

// FilterRows applies FilterRow across a result set
func (e *ColumnSecurityEngine) FilterRows(ctx context.Context, table, operation string, roles []string, rows []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		filtered, err := e.FilterRow(ctx, table, operation, roles, row)
		if err != nil {
			return nil, err
		}
		out = append(out, filtered)
	}
	return out, nil
}

func rolesIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
