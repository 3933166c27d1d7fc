package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/store"
)

const approvalCols = "id, client_id, server_id, tool_name, tool_arguments, policy_rule_id, status, requested_at, expires_at, responded_at, responded_by, response_note"

// ApprovalStore is the write-through history table backing internal/approval's
// in-memory queue; it is never consulted for in-flight decisions.
type ApprovalStore struct{ db *sql.DB }

func NewApprovalStore(db *sql.DB) *ApprovalStore { return &ApprovalStore{db: db} }

func (s *ApprovalStore) Create(ctx context.Context, a *store.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals (`+approvalCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ClientID, a.ServerID, a.ToolName, marshalJSON(a.ToolArguments), a.PolicyRuleID,
		string(a.Status), a.RequestedAt, a.ExpiresAt, a.RespondedAt, a.RespondedBy, a.ResponseNote)
	return err
}

func scanApproval(row interface{ Scan(...any) error }) (*store.ApprovalRequest, error) {
	var a store.ApprovalRequest
	var status, argsRaw string
	err := row.Scan(&a.ID, &a.ClientID, &a.ServerID, &a.ToolName, &argsRaw, &a.PolicyRuleID,
		&status, &a.RequestedAt, &a.ExpiresAt, &a.RespondedAt, &a.RespondedBy, &a.ResponseNote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("approval not found")
	}
	if err != nil {
		return nil, err
	}
	a.Status = store.ApprovalStatus(status)
	_ = unmarshalInto(argsRaw, &a.ToolArguments)
	return &a, nil
}

func (s *ApprovalStore) UpdateStatus(ctx context.Context, id string, status store.ApprovalStatus, respondedBy, note string, respondedAt int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approvals SET status=?, responded_by=?, response_note=?, responded_at=? WHERE id=?`,
		string(status), respondedBy, note, respondedAt, id)
	return err
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *ApprovalStore) List(ctx context.Context, status *store.ApprovalStatus) ([]*store.ApprovalRequest, error) {
	wb := &whereBuilder{}
	if status != nil {
		wb.eq("status", string(*status))
	}
	clause, args := wb.build()

	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalCols+` FROM approvals `+clause+` ORDER BY requested_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
