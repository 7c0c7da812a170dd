package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/engine/auth"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
)

type taskPath struct {
	WineryID string `path:"winery_id"`
	TaskID   string `path:"task_id"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func outcome(out engine.Outcome) *taskOutput {
	return &taskOutput{Body: TaskResponse{Task: out.Task, LatestAction: out.Action}}
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type decisionFunc func(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (engine.Outcome, error)

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID   string `path:"winery_id"`
		Status     string `query:"status"`
		Category   string `query:"category"`
		AssigneeID string `query:"assignee_id"`
		MemberID   string `query:"member_id"`
		ParentID   string `query:"parent_task_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		scope, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermTaskRead)
		if serr != nil {
			return nil, serr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, scope, repo.TaskFilters{
			Status:          domain.TaskStatus(input.Status),
			Category:        domain.Category(input.Category),
			AssigneeID:      input.AssigneeID,
			MemberID:        input.MemberID,
			ParentID:        input.ParentID,
			Limit:           limit,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := TaskListResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Task{}
		}
		if len(items) == limit {
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}/tasks/{task_id}",
		Summary:     "Get a task with its latest audit entry",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		scope, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermTaskRead)
		if serr != nil {
			return nil, serr
		}
		out, err := e.Inspect(ctx, scope, input.TaskID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}/tasks/{task_id}/history",
		Summary:     "Audit history of a task, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.TaskAction `json:"body"`
	}, error) {
		scope, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermTaskRead)
		if serr != nil {
			return nil, serr
		}
		items, err := e.History(ctx, scope, input.TaskID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.TaskAction `json:"body"`
		}{Body: items}, nil
	})

	decisions := []struct {
		id, path, summary string
		fn                decisionFunc
	}{
		{"approve-task", "approve", "Approve a task awaiting review", e.Approve},
		{"reject-task", "reject", "Reject a task awaiting review", e.Reject},
		{"execute-task", "execute", "Record that a task was carried out", e.Execute},
		{"trigger-execution", "trigger-execution", "Request execution of an approved task", e.TriggerExecution},
		{"cancel-task", "cancel", "Cancel an open task", e.Cancel},
	}
	for _, d := range decisions {
		fn := d.fn
		huma.Register(api, huma.Operation{
			OperationID: d.id,
			Method:      http.MethodPost,
			Path:        "/wineries/{winery_id}/tasks/{task_id}/" + d.path,
			Summary:     d.summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *struct {
			WineryID string          `path:"winery_id"`
			TaskID   string          `path:"task_id"`
			Body     DecisionRequest `json:"body" required:"false"`
		}) (*taskOutput, error) {
			scope, actor, serr := scopeFor(ctx, input.WineryID)
			if serr != nil {
				return nil, serr
			}
			out, err := fn(ctx, scope, input.TaskID, actor, input.Body.details())
			if err != nil {
				return nil, handleError(ctx, err)
			}
			return outcome(out), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "request-member-action",
		Method:      http.MethodPost,
		Path:        "/wineries/{winery_id}/tasks/{task_id}/request-member-action",
		Summary:     "Send the member a single-use link to complete the request",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string                     `path:"winery_id"`
		TaskID   string                     `path:"task_id"`
		Body     RequestMemberActionRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		out, err := e.RequireMemberAction(ctx, scope, input.TaskID, actor, domain.TokenType(input.Body.Type))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
