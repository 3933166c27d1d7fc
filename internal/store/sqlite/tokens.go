package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mcp-router/gateway/internal/apperr"
	"github.com/mcp-router/gateway/internal/store"
)

const tokenCols = "id, client_id, name, issued_at, expires_at, last_used_at, scopes, server_access, metadata"

type TokenStore struct{ db *sql.DB }

func NewTokenStore(db *sql.DB) *TokenStore { return &TokenStore{db: db} }

func (s *TokenStore) Create(ctx context.Context, t *store.TokenMeta) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens (`+tokenCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ClientID, t.Name, t.IssuedAt, t.ExpiresAt, t.LastUsedAt,
		marshalJSON(t.Scopes), marshalJSON(t.ServerAccess), marshalJSON(t.Metadata))
	return err
}

func scanToken(row interface{ Scan(...any) error }) (*store.TokenMeta, error) {
	var t store.TokenMeta
	var scopesRaw, accessRaw, metaRaw string
	err := row.Scan(&t.ID, &t.ClientID, &t.Name, &t.IssuedAt, &t.ExpiresAt, &t.LastUsedAt,
		&scopesRaw, &accessRaw, &metaRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("token not found")
	}
	if err != nil {
		return nil, err
	}
	_ = unmarshalInto(scopesRaw, &t.Scopes)
	_ = unmarshalInto(accessRaw, &t.ServerAccess)
	_ = unmarshalInto(metaRaw, &t.Metadata)
	return &t, nil
}

func (s *TokenStore) Get(ctx context.Context, id string) (*store.TokenMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenCols+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (s *TokenStore) UpdateLastUsed(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}

func (s *TokenStore) UpdateExpiresAt(ctx context.Context, id string, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET expires_at = ? WHERE id = ?`, expiresAt, id)
	return err
}

func (s *TokenStore) UpdateServerAccess(ctx context.Context, id string, serverAccess map[string]bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET server_access = ? WHERE id = ?`, marshalJSON(serverAccess), id)
	return err
}

func (s *TokenStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	return err
}

func (s *TokenStore) ListByClient(ctx context.Context, clientID string) ([]*store.TokenMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenCols+` FROM tokens WHERE client_id = ? ORDER BY issued_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.TokenMeta
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *TokenStore) DeleteExpiredBefore(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
