package postgres

import (
	"context"
	"database/sql"
	"errors"

	"airquality-cloud/internal/auth"
)

var _ auth.PrincipalStore = (*Store)(nil)

// PrincipalByToken resolves an API key to a device or user principal.
func (s *Store) PrincipalByToken(ctx context.Context, token string) (*auth.Principal, error) {
	var (
		sn     sql.NullString
		userID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT instr_sn, user_id FROM api_keys WHERE key = $1`, token).Scan(&sn, &userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if sn.Valid && sn.String != "" {
		return &auth.Principal{Token: token, InstrumentSN: sn.String, Permissions: auth.DevicePermissions}, nil
	}
	if !userID.Valid {
		return nil, nil
	}
	p, err := s.PrincipalByUserID(ctx, userID.Int64)
	if p != nil {
		p.Token = token
	}
	return p, err
}

// PrincipalByUserID resolves a session subject to a user principal.
func (s *Store) PrincipalByUserID(ctx context.Context, userID int64) (*auth.Principal, error) {
	var (
		email       string
		permissions int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT u.email, COALESCE(r.permissions, 0)
FROM users u
LEFT JOIN roles r ON r.id = u.role_id
WHERE u.id = $1`, userID).Scan(&email, &permissions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM user_groups WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		groups = append(groups, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	uid := userID
	return &auth.Principal{
		UserID:      &uid,
		Email:       email,
		Permissions: auth.Normalize(auth.Permission(permissions)),
		GroupIDs:    groups,
	}, nil
}
