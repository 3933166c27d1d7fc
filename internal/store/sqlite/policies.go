package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/store"
)

const policyCols = "id, name, enabled, scope, scope_id, resource_type, pattern, action, priority, conditions, redact_fields, created_at"

type PolicyStore struct{ db *sql.DB }

func NewPolicyStore(db *sql.DB) *PolicyStore { return &PolicyStore{db: db} }

func (s *PolicyStore) Create(ctx context.Context, p *store.PolicyRule) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO policies (`+policyCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Enabled, string(p.Scope), p.ScopeID, string(p.ResourceType), p.Pattern,
		string(p.Action), p.Priority, marshalJSON(p.Conditions), marshalJSON(p.RedactFields), p.CreatedAt)
	return err
}

func scanPolicy(row interface{ Scan(...any) error }) (*store.PolicyRule, error) {
	var p store.PolicyRule
	var scope, resType, action, condRaw, redactRaw string
	err := row.Scan(&p.ID, &p.Name, &p.Enabled, &scope, &p.ScopeID, &resType, &p.Pattern,
		&action, &p.Priority, &condRaw, &redactRaw, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("policy not found")
	}
	if err != nil {
		return nil, err
	}
	p.Scope = store.PolicyScope(scope)
	p.ResourceType = store.ResourceType(resType)
	p.Action = store.PolicyAction(action)
	_ = unmarshalInto(condRaw, &p.Conditions)
	_ = unmarshalInto(redactRaw, &p.RedactFields)
	return &p, nil
}

func (s *PolicyStore) Get(ctx context.Context, id string) (*store.PolicyRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyCols+` FROM policies WHERE id = ?`, id)
	return scanPolicy(row)
}

func (s *PolicyStore) Update(ctx context.Context, id string, patch store.PolicyPatch) (*store.PolicyRule, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Scope != nil {
		current.Scope = *patch.Scope
	}
	if patch.ScopeID != nil {
		current.ScopeID = *patch.ScopeID
	}
	if patch.ResourceType != nil {
		current.ResourceType = *patch.ResourceType
	}
	if patch.Pattern != nil {
		current.Pattern = *patch.Pattern
	}
	if patch.Action != nil {
		current.Action = *patch.Action
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.Conditions != nil {
		current.Conditions = patch.Conditions
	}
	if patch.RedactFields != nil {
		current.RedactFields = patch.RedactFields
	}

	_, err = s.db.ExecContext(ctx, `UPDATE policies SET name=?, enabled=?, scope=?, scope_id=?, resource_type=?, pattern=?, action=?, priority=?, conditions=?, redact_fields=? WHERE id=?`,
		current.Name, current.Enabled, string(current.Scope), current.ScopeID, string(current.ResourceType),
		current.Pattern, string(current.Action), current.Priority, marshalJSON(current.Conditions),
		marshalJSON(current.RedactFields), id)
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	return err
}

// List mirrors the teacher's dynamic WHERE-builder pattern
// (buildCustomToolWhere): only enabled rules are returned, optionally
// narrowed by scope/scopeId; the Policy Engine does pattern/condition
// matching and ranking in memory (spec §4.4 step 1-2 narrow the candidate
// set here, steps 3-6 happen in internal/policy).
func (s *PolicyStore) List(ctx context.Context, scope *store.PolicyScope, scopeID *string) ([]*store.PolicyRule, error) {
	wb := &whereBuilder{}
	wb.eq("enabled", true)
	if scope != nil {
		wb.eq("scope", string(*scope))
	}
	if scopeID != nil {
		wb.eq("scope_id", *scopeID)
	}
	clause, args := wb.build()

	rows, err := s.db.QueryContext(ctx, `SELECT `+policyCols+` FROM policies `+clause+` ORDER BY priority DESC, created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.PolicyRule
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
