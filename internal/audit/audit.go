// Package audit is the append-only task history. Entries are written inside
// the caller's transaction so a task mutation and its record commit together.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"cellarline/internal/domain"
	"cellarline/internal/repo"
)

const defaultPageSize = 100

type Log struct {
	Repo     repo.Repo
	Now      func() time.Time
	PageSize int
}

type Details map[string]any

// Append records one entry. userID nil marks a system action.
func (l Log) Append(ctx context.Context, tx *sql.Tx, wineryID, taskID string, userID *string, at domain.ActionType, details Details) (domain.TaskAction, error) {
	if tx == nil {
		return domain.TaskAction{}, fmt.Errorf("audit append requires a transaction")
	}
	if !at.Valid() {
		return domain.TaskAction{}, domain.Invalid("action_type", string(at))
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	if details == nil {
		details = Details{}
	}
	a := domain.TaskAction{
		TaskID:     taskID,
		WineryID:   wineryID,
		UserID:     userID,
		ActionType: at,
		Details:    details,
		CreatedAt:  domain.FormatTime(l.Now()),
	}
	id, err := l.Repo.InsertAction(ctx, tx, a)
	if err != nil {
		return domain.TaskAction{}, domain.Storage("append audit", err)
	}
	a.ID = id
	return a, nil
}

// History returns every entry for a task in creation order.
func (l Log) History(ctx context.Context, wineryID, taskID string) ([]domain.TaskAction, error) {
	var out []domain.TaskAction
	for a, err := range l.Seq(ctx, wineryID, taskID) {
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Seq yields a task's entries in creation order, one page at a time. Each
// range over the returned sequence starts again from the first entry.
func (l Log) Seq(ctx context.Context, wineryID, taskID string) iter.Seq2[domain.TaskAction, error] {
	size := l.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	return func(yield func(domain.TaskAction, error) bool) {
		var cursor int64
		for {
			page, err := l.Repo.ListActions(ctx, nil, wineryID, taskID, cursor, size)
			if err != nil {
				yield(domain.TaskAction{}, domain.Storage("read audit", err))
				return
			}
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
				cursor = a.ID
			}
			if len(page) < size {
				return
			}
		}
	}
}

// Latest returns the newest entry for a task.
func (l Log) Latest(ctx context.Context, tx *sql.Tx, wineryID, taskID string) (domain.TaskAction, error) {
	a, err := l.Repo.LatestAction(ctx, tx, wineryID, taskID)
	if err != nil {
		return a, domain.Storage("read audit", err)
	}
	return a, nil
}

// ActionsAfter feeds the relay: entries of every winery past cursor, ascending.
func (l Log) ActionsAfter(ctx context.Context, cursor int64, limit int) ([]domain.TaskAction, error) {
	return l.Repo.ActionsAfter(ctx, cursor, limit)
}
