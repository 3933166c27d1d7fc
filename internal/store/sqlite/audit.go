package sqlite

import (
	"context"
	"database/sql"

	"github.com/mcp-router/gateway/internal/store"
)

const auditCols = "id, type, client_id, server_id, tool_name, success, duration, metadata, timestamp"

// AuditStore implements store.AuditStore (spec §4.8). Grounded on the
// teacher's ListPaged/CountTools offset pagination, generalized to the
// cursor contract the audit log specifically requires.
type AuditStore struct{ db *sql.DB }

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Create(ctx context.Context, e *store.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (`+auditCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.ClientID, e.ServerID, e.ToolName, e.Success, e.Duration, marshalJSON(e.Metadata), e.Timestamp)
	return err
}

func scanAudit(row interface{ Scan(...any) error }) (*store.AuditEvent, error) {
	var e store.AuditEvent
	var metaRaw string
	if err := row.Scan(&e.ID, &e.Type, &e.ClientID, &e.ServerID, &e.ToolName, &e.Success, &e.Duration, &metaRaw, &e.Timestamp); err != nil {
		return nil, err
	}
	_ = unmarshalInto(metaRaw, &e.Metadata)
	return &e, nil
}

func filterClause(f store.AuditFilter) *whereBuilder {
	wb := &whereBuilder{}
	if f.Type != "" {
		wb.eq("type", f.Type)
	}
	if f.ClientID != "" {
		wb.eq("client_id", f.ClientID)
	}
	if f.ServerID != "" {
		wb.eq("server_id", f.ServerID)
	}
	if f.StartTime > 0 {
		wb.gte("timestamp", f.StartTime)
	}
	if f.EndTime > 0 {
		wb.lte("timestamp", f.EndTime)
	}
	return wb
}

func (s *AuditStore) Query(ctx context.Context, filter store.AuditFilter, limit, offset int) ([]*store.AuditEvent, error) {
	wb := filterClause(filter)
	clause, args := wb.build()
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditCols+` FROM audit_events `+clause+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// QueryPaginated implements spec §4.8's cursor contract: with orderDir=desc
// the clause is "timestamp < cursor", with asc it's "timestamp > cursor";
// the repository fetches limit+1 rows so the caller can tell hasMore apart
// from "exactly limit rows existed".
func (s *AuditStore) QueryPaginated(ctx context.Context, filter store.AuditFilter, cursor *int64, orderDir string, limit int) ([]*store.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	desc := orderDir != "asc"

	wb := filterClause(filter)
	if cursor != nil {
		if desc {
			wb.lt("timestamp", *cursor)
		} else {
			wb.gt("timestamp", *cursor)
		}
	}
	clause, args := wb.build()

	order := "DESC"
	if !desc {
		order = "ASC"
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditCols+` FROM audit_events `+clause+` ORDER BY timestamp `+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *AuditStore) Count(ctx context.Context, filter store.AuditFilter) (int, error) {
	wb := filterClause(filter)
	clause, args := wb.build()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events `+clause, args...).Scan(&n)
	return n, err
}

func (s *AuditStore) DeleteOlderThan(ctx context.Context, ts int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, ts)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
