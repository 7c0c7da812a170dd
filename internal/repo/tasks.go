package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cellarline/internal/domain"
)

const taskColumns = `id,winery_id,member_id,message_id,category,sub_type,customer_type,status,payload_json,sentiment,suggested_channel,suggested_reply_subject,suggested_reply_body,requires_approval,priority,assignee_id,parent_task_id,created_by,updated_by,version,created_at,updated_at`

func scanTask(s interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var memberID, messageID, assigneeID, parentID, createdBy, updatedBy sql.NullString
	var payload string
	var requiresApproval int
	err := s.Scan(&t.ID, &t.WineryID, &memberID, &messageID, &t.Category, &t.SubType, &t.CustomerType, &t.Status, &payload,
		&t.Sentiment, &t.SuggestedChannel, &t.SuggestedReplySubject, &t.SuggestedReplyBody, &requiresApproval, &t.Priority,
		&assigneeID, &parentID, &createdBy, &updatedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.MemberID = ptr(memberID)
	t.MessageID = ptr(messageID)
	t.AssigneeID = ptr(assigneeID)
	t.ParentTaskID = ptr(parentID)
	t.CreatedBy = ptr(createdBy)
	t.UpdatedBy = ptr(updatedBy)
	t.RequiresApproval = requiresApproval != 0
	if t.Payload, err = decodeMap(payload); err != nil {
		return t, fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	payload, err := encodeMap(t.Payload)
	if err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WineryID, nullableStringPtr(t.MemberID), nullableStringPtr(t.MessageID), t.Category, t.SubType, t.CustomerType, t.Status, payload,
		t.Sentiment, t.SuggestedChannel, t.SuggestedReplySubject, t.SuggestedReplyBody, boolInt(t.RequiresApproval), t.Priority,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ParentTaskID), nullableStringPtr(t.CreatedBy), nullableStringPtr(t.UpdatedBy),
		t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes t when the stored version still equals t.Version and bumps it.
// A stale version yields domain.ErrConflict; a missing row ErrNotFound.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	payload, err := encodeMap(t.Payload)
	if err != nil {
		return t, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET category=?, sub_type=?, customer_type=?, status=?, payload_json=?, sentiment=?,
suggested_channel=?, suggested_reply_subject=?, suggested_reply_body=?, requires_approval=?, priority=?, assignee_id=?, parent_task_id=?,
updated_by=?, version=version+1, updated_at=? WHERE id=? AND winery_id=? AND version=?`,
		t.Category, t.SubType, t.CustomerType, t.Status, payload, t.Sentiment,
		t.SuggestedChannel, t.SuggestedReplySubject, t.SuggestedReplyBody, boolInt(t.RequiresApproval), t.Priority,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ParentTaskID), nullableStringPtr(t.UpdatedBy),
		t.UpdatedAt, t.ID, t.WineryID, t.Version)
	if err != nil {
		return t, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTask(ctx, tx, t.WineryID, t.ID); err != nil {
			return t, err
		}
		return t, domain.ErrConflict
	}
	t.Version++
	return t, nil
}

// GetTask resolves id inside wineryID only.
func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, wineryID, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND winery_id=?`, id, wineryID))
}

type TaskFilters struct {
	WineryID        string
	Status          domain.TaskStatus
	Category        domain.Category
	AssigneeID      string
	MemberID        string
	ParentID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if f.WineryID == "" {
		return nil, fmt.Errorf("list tasks: winery required")
	}
	clauses := []string{"winery_id=?"}
	args := []any{f.WineryID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.MemberID != "" {
		clauses = append(clauses, "member_id=?")
		args = append(args, f.MemberID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ParentOf returns the parent id of a task, or "" at the root.
func (r Repo) ParentOf(ctx context.Context, tx *sql.Tx, wineryID, id string) (string, error) {
	var parent sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT parent_task_id FROM tasks WHERE id=? AND winery_id=?`, id, wineryID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return parent.String, err
}

// SubtreeHeight counts the levels of descendants below id: 0 for a task
// without children. The walk stops after limit levels.
func (r Repo) SubtreeHeight(ctx context.Context, tx *sql.Tx, wineryID, id string, limit int) (int, error) {
	var h sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `WITH RECURSIVE below(id, depth) AS (
  SELECT id, 1 FROM tasks WHERE winery_id=? AND parent_task_id=?
  UNION ALL
  SELECT t.id, b.depth+1 FROM tasks t JOIN below b ON t.parent_task_id=b.id
  WHERE t.winery_id=? AND b.depth < ?
)
SELECT MAX(depth) FROM below`, wineryID, id, wineryID, limit).Scan(&h)
	return int(h.Int64), err
}

// TaskForMessage returns the task created from an inbound message.
func (r Repo) TaskForMessage(ctx context.Context, tx *sql.Tx, wineryID, messageID string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE winery_id=? AND message_id=? ORDER BY created_at ASC LIMIT 1`, wineryID, messageID))
}
