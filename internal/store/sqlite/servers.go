package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/store"
)

const serverCols = "id, name, transport, command, args, env, url, project_id, status, tool_permissions, last_error, created_at, updated_at"

// ServerStore implements store.ServerStore. Grounded on
// internal/store/pg/custom_tools.go's Create/Get/Update/Delete/List shape.
type ServerStore struct{ db *sql.DB }

func NewServerStore(db *sql.DB) *ServerStore { return &ServerStore{db: db} }

func (s *ServerStore) Create(ctx context.Context, sv *store.Server) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO servers (`+serverCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sv.ID, sv.Name, string(sv.Transport), sv.Command, marshalJSON(sv.Args), marshalJSON(sv.Env),
		sv.URL, sv.ProjectID, string(sv.Status), marshalJSON(sv.ToolPermissions), sv.LastError,
		sv.CreatedAt, sv.UpdatedAt)
	return err
}

func (s *ServerStore) scanRow(row *sql.Row) (*store.Server, error) {
	var sv store.Server
	var transport, status string
	var argsRaw, envRaw, toolPermRaw string
	err := row.Scan(&sv.ID, &sv.Name, &transport, &sv.Command, &argsRaw, &envRaw, &sv.URL,
		&sv.ProjectID, &status, &toolPermRaw, &sv.LastError, &sv.CreatedAt, &sv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("server not found")
	}
	if err != nil {
		return nil, err
	}
	sv.Transport = store.Transport(transport)
	sv.Status = store.ServerStatus(status)
	_ = unmarshalInto(argsRaw, &sv.Args)
	_ = unmarshalInto(envRaw, &sv.Env)
	_ = unmarshalInto(toolPermRaw, &sv.ToolPermissions)
	return &sv, nil
}

func (s *ServerStore) Get(ctx context.Context, id string) (*store.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverCols+` FROM servers WHERE id = ?`, id)
	return s.scanRow(row)
}

func (s *ServerStore) Update(ctx context.Context, id string, patch store.ServerPatch) (*store.Server, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.Command != nil {
		current.Command = *patch.Command
	}
	if patch.Args != nil {
		current.Args = patch.Args
	}
	if patch.Env != nil {
		current.Env = patch.Env
	}
	if patch.URL != nil {
		current.URL = *patch.URL
	}
	if patch.ProjectID != nil {
		current.ProjectID = *patch.ProjectID
	}
	if patch.ToolPermissions != nil {
		current.ToolPermissions = patch.ToolPermissions
	}

	_, err = s.db.ExecContext(ctx, `UPDATE servers SET name=?, command=?, args=?, env=?, url=?, project_id=?, tool_permissions=? WHERE id=?`,
		current.Name, current.Command, marshalJSON(current.Args), marshalJSON(current.Env),
		current.URL, current.ProjectID, marshalJSON(current.ToolPermissions), id)
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (s *ServerStore) UpdateStatus(ctx context.Context, id string, status store.ServerStatus, lastError string, updatedAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET status=?, last_error=?, updated_at=? WHERE id=?`, string(status), lastError, updatedAt, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFoundf("server not found")
	}
	return nil
}

func (s *ServerStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return err
}

func (s *ServerStore) List(ctx context.Context) ([]*store.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverCols+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Server
	for rows.Next() {
		var sv store.Server
		var transport, status string
		var argsRaw, envRaw, toolPermRaw string
		if err := rows.Scan(&sv.ID, &sv.Name, &transport, &sv.Command, &argsRaw, &envRaw, &sv.URL,
			&sv.ProjectID, &status, &toolPermRaw, &sv.LastError, &sv.CreatedAt, &sv.UpdatedAt); err != nil {
			continue // matches teacher's scanTools: skip unreadable rows, don't fail the whole list
		}
		sv.Transport = store.Transport(transport)
		sv.Status = store.ServerStatus(status)
		_ = unmarshalInto(argsRaw, &sv.Args)
		_ = unmarshalInto(envRaw, &sv.Env)
		_ = unmarshalInto(toolPermRaw, &sv.ToolPermissions)
		out = append(out, &sv)
	}
	return out, nil
}
