package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cellarline/internal/domain"
)

const tokenColumns = `id,member_id,winery_id,task_id,type,channel,token,target,payload_json,expires_at,used_at,created_at`

func scanToken(s interface{ Scan(...any) error }) (domain.MemberActionToken, error) {
	var t domain.MemberActionToken
	var taskID, usedAt sql.NullString
	var payload string
	err := s.Scan(&t.ID, &t.MemberID, &t.WineryID, &taskID, &t.Type, &t.Channel, &t.Token, &t.Target, &payload, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TaskID = ptr(taskID)
	t.UsedAt = ptr(usedAt)
	if t.Payload, err = decodeMap(payload); err != nil {
		return t, fmt.Errorf("token %s payload: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.MemberActionToken) error {
	payload, err := encodeMap(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO member_action_tokens(`+tokenColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MemberID, t.WineryID, nullableStringPtr(t.TaskID), t.Type, t.Channel, t.Token, t.Target, payload,
		t.ExpiresAt, nullableStringPtr(t.UsedAt), t.CreatedAt)
	return err
}

// GetTokenBySecret looks a token up by its secret. Secrets are global, so no winery scope applies.
func (r Repo) GetTokenBySecret(ctx context.Context, tx *sql.Tx, secret string) (domain.MemberActionToken, error) {
	return scanToken(r.q(tx).QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM member_action_tokens WHERE token=?`, secret))
}

// MarkTokenUsed sets used_at only if the token is unused and unexpired at now.
// It reports whether this call won.
func (r Repo) MarkTokenUsed(ctx context.Context, tx *sql.Tx, secret, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE member_action_tokens SET used_at=? WHERE token=? AND used_at IS NULL AND expires_at >= ?`,
		now, secret, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RevokeTokens moves the expiry of every live token for a task back to at.
// An empty typ revokes all types.
func (r Repo) RevokeTokens(ctx context.Context, tx *sql.Tx, wineryID, taskID string, typ domain.TokenType, at string) (int64, error) {
	query := `UPDATE member_action_tokens SET expires_at=? WHERE winery_id=? AND task_id=? AND used_at IS NULL AND expires_at > ?`
	args := []any{at, wineryID, taskID, at}
	if typ != "" {
		query += ` AND type=?`
		args = append(args, typ)
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TaskRef names a task across wineries.
type TaskRef struct {
	WineryID string
	TaskID   string
}

// StaleAwaitingTasks lists tasks still awaiting a member whose every unused token expired before now.
func (r Repo) StaleAwaitingTasks(ctx context.Context, now string, limit int) ([]TaskRef, error) {
	query := `SELECT DISTINCT t.winery_id, t.id FROM tasks t
JOIN member_action_tokens k ON k.task_id=t.id
WHERE t.status=? AND k.used_at IS NULL AND k.expires_at < ?
AND NOT EXISTS (SELECT 1 FROM member_action_tokens l WHERE l.task_id=t.id AND l.used_at IS NULL AND l.expires_at >= ?)
ORDER BY t.created_at ASC`
	args := []any{domain.StatusAwaitingMemberAction, now, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskRef
	for rows.Next() {
		var ref TaskRef
		if err := rows.Scan(&ref.WineryID, &ref.TaskID); err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}

// DeleteExpiredTokens removes unused tokens that expired before cutoff and no
// longer back an awaiting task.
func (r Repo) DeleteExpiredTokens(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM member_action_tokens
WHERE used_at IS NULL AND expires_at < ?
AND (task_id IS NULL OR task_id NOT IN (SELECT id FROM tasks WHERE status=?))`, cutoff, domain.StatusAwaitingMemberAction)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListTokensForTask(ctx context.Context, wineryID, taskID string) ([]domain.MemberActionToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM member_action_tokens WHERE winery_id=? AND task_id=? ORDER BY created_at ASC, id ASC`, wineryID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemberActionToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
