package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
)

func registerTaskEdits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-manual-task",
		Method:        http.MethodPost,
		Path:          "/wineries/{winery_id}/tasks",
		Summary:       "Create a task by hand",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string                  `path:"winery_id"`
		Body     CreateManualTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		out, err := e.CreateManualTask(ctx, scope, actor, engine.ManualTask{
			Category:              domain.Category(b.Category),
			SubType:               b.SubType,
			MemberID:              b.MemberID,
			Priority:              domain.Priority(b.Priority),
			SuggestedChannel:      domain.Channel(b.SuggestedChannel),
			SuggestedReplySubject: b.SuggestedReplySubject,
			SuggestedReplyBody:    b.SuggestedReplyBody,
			RequiresApproval:      b.RequiresApproval,
			Payload:               b.Payload,
			ParentTaskID:          b.ParentTaskID,
			Note:                  b.Note,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-manual-fields",
		Method:      http.MethodPatch,
		Path:        "/wineries/{winery_id}/tasks/{task_id}",
		Summary:     "Edit priority and reply fields",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string              `path:"winery_id"`
		TaskID   string              `path:"task_id"`
		Body     UpdateManualRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		u := engine.ManualUpdate{
			SuggestedReplySubject: b.SuggestedReplySubject,
			SuggestedReplyBody:    b.SuggestedReplyBody,
			RequiresApproval:      b.RequiresApproval,
			IfVersion:             b.IfVersion,
		}
		if b.Priority != nil {
			p := domain.Priority(*b.Priority)
			u.Priority = &p
		}
		if b.SuggestedChannel != nil {
			c := domain.Channel(*b.SuggestedChannel)
			u.SuggestedChannel = &c
		}
		out, err := e.UpdateManual(ctx, scope, input.TaskID, actor, u)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPut,
		Path:        "/wineries/{winery_id}/tasks/{task_id}/assignee",
		Summary:     "Assign or unassign a task",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string        `path:"winery_id"`
		TaskID   string        `path:"task_id"`
		Body     AssignRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		out, err := e.Assign(ctx, scope, input.TaskID, actor, input.Body.AssigneeID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-task-payload",
		Method:      http.MethodPatch,
		Path:        "/wineries/{winery_id}/tasks/{task_id}/payload",
		Summary:     "Merge into the task payload; null removes a key",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string              `path:"winery_id"`
		TaskID   string              `path:"task_id"`
		Body     PayloadPatchRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		out, err := e.UpdatePayload(ctx, scope, input.TaskID, actor, input.Body.Patch, input.Body.IfVersion)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task-note",
		Method:        http.MethodPost,
		Path:          "/wineries/{winery_id}/tasks/{task_id}/notes",
		Summary:       "Add a staff note",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string      `path:"winery_id"`
		TaskID   string      `path:"task_id"`
		Body     NoteRequest `json:"body"`
	}) (*struct {
		Body domain.TaskAction `json:"body"`
	}, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		a, err := e.AddNote(ctx, scope, input.TaskID, actor, input.Body.Note)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.TaskAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-parent",
		Method:      http.MethodPut,
		Path:        "/wineries/{winery_id}/tasks/{task_id}/parent",
		Summary:     "Link a task under a parent, or unlink with null",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		WineryID string        `path:"winery_id"`
		TaskID   string        `path:"task_id"`
		Body     ParentRequest `json:"body"`
	}) (*taskOutput, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		out, err := e.LinkParent(ctx, scope, input.TaskID, actor, input.Body.ParentTaskID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return outcome(out), nil
	})
}
