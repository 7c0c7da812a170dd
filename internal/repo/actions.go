package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cellarline/internal/domain"
)

const actionColumns = `id,task_id,winery_id,user_id,action_type,details_json,created_at`

func scanAction(s interface{ Scan(...any) error }) (domain.TaskAction, error) {
	var a domain.TaskAction
	var userID sql.NullString
	var details string
	if err := s.Scan(&a.ID, &a.TaskID, &a.WineryID, &userID, &a.ActionType, &details, &a.CreatedAt); err != nil {
		return a, err
	}
	a.UserID = ptr(userID)
	var err error
	if a.Details, err = decodeMap(details); err != nil {
		return a, fmt.Errorf("action %d details: %w", a.ID, err)
	}
	return a, nil
}

// InsertAction appends one audit row and returns its id. There is no update or delete counterpart.
func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.TaskAction) (int64, error) {
	details, err := encodeMap(a.Details)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_actions(task_id,winery_id,user_id,action_type,details_json,created_at) VALUES (?,?,?,?,?,?)`,
		a.TaskID, a.WineryID, nullableStringPtr(a.UserID), a.ActionType, details, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) listActions(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.TaskAction, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActions returns a task's entries with id > afterID in insertion order.
func (r Repo) ListActions(ctx context.Context, tx *sql.Tx, wineryID, taskID string, afterID int64, limit int) ([]domain.TaskAction, error) {
	query := `SELECT ` + actionColumns + ` FROM task_actions WHERE winery_id=? AND task_id=? AND id>? ORDER BY id ASC`
	args := []any{wineryID, taskID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.listActions(ctx, tx, query, args...)
}

// ActionsAfter returns entries across all wineries with IDs greater than the cursor in ascending order.
func (r Repo) ActionsAfter(ctx context.Context, cursor int64, limit int) ([]domain.TaskAction, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listActions(ctx, nil, `SELECT `+actionColumns+` FROM task_actions WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestActionID returns the newest audit id, 0 when empty.
func (r Repo) LatestActionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM task_actions`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) GetCursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_action_id FROM relay_cursors WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetCursor(ctx context.Context, name string, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO relay_cursors(name,last_action_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_action_id=excluded.last_action_id, updated_at=excluded.updated_at`, name, id, now)
	return err
}

// LatestAction returns the newest entry for a task.
func (r Repo) LatestAction(ctx context.Context, tx *sql.Tx, wineryID, taskID string) (domain.TaskAction, error) {
	a, err := scanAction(r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM task_actions WHERE winery_id=? AND task_id=? ORDER BY id DESC LIMIT 1`, wineryID, taskID))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}
