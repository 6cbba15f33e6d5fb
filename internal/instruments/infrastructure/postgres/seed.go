package postgres

import (
	"context"

	"airquality-cloud/internal/auth"
)

// Seed upserts the fixed roles and groups.
func (s *Store) Seed(ctx context.Context) error {
	return s.inTx(ctx, func(q queryer) error {
		for _, role := range auth.Roles {
			if _, err := q.ExecContext(ctx, `
INSERT INTO roles (name, permissions, is_default)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET
	permissions = EXCLUDED.permissions,
	is_default = EXCLUDED.is_default`, role.Name, int(role.Permissions), role.Default); err != nil {
				return err
			}
		}
		for _, name := range auth.Groups {
			if _, err := q.ExecContext(ctx, `INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(q queryer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
