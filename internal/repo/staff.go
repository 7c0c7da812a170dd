package repo

import (
	"context"
	"database/sql"

	"cellarline/internal/domain"
)

func (r Repo) InsertStaffUser(ctx context.Context, tx *sql.Tx, u domain.StaffUser) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO staff_users(id,winery_id,name,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.WineryID, u.Name, u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetStaffUser(ctx context.Context, tx *sql.Tx, wineryID, id string) (domain.StaffUser, error) {
	var u domain.StaffUser
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,winery_id,name,role,created_at FROM staff_users WHERE id=? AND winery_id=?`, id, wineryID).
		Scan(&u.ID, &u.WineryID, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) SetStaffRole(ctx context.Context, tx *sql.Tx, wineryID, id, role string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE staff_users SET role=? WHERE id=? AND winery_id=?`, role, id, wineryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListStaffUsers(ctx context.Context, wineryID string) ([]domain.StaffUser, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,winery_id,name,role,created_at FROM staff_users WHERE winery_id=? ORDER BY name, id`, wineryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StaffUser
	for rows.Next() {
		var u domain.StaffUser
		if err := rows.Scan(&u.ID, &u.WineryID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
