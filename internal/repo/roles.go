package repo

import (
	"context"
	"database/sql"
	"time"

	"factorypulse/internal/domain"
)

// EnsureActor inserts the actor row if it does not exist yet.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`,
		actorID, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r Repo) AssignOrgRole(ctx context.Context, orgID, actorID, role string) error {
	if err := r.EnsureActor(ctx, nil, actorID); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO org_roles(org_id,actor_id,role) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		orgID, actorID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, orgID, actorID, role string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=? AND role=?`, orgID, actorID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ActorHasRole(ctx context.Context, orgID, actorID, role string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM org_roles WHERE org_id=? AND actor_id=? AND role=?`,
		orgID, actorID, role).Scan(&n)
	return n > 0, err
}

func (r Repo) ListOrgRoles(ctx context.Context, orgID string) ([]domain.OrgRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT org_id,actor_id,role FROM org_roles WHERE org_id=? ORDER BY actor_id,role`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrgRole
	for rows.Next() {
		var or domain.OrgRole
		if err := rows.Scan(&or.OrgID, &or.ActorID, &or.Role); err != nil {
			return nil, err
		}
		res = append(res, or)
	}
	return res, rows.Err()
}

func (r Repo) RolesForActor(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}
