package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/engine/auth"
)

func registerWineries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-winery",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}",
		Summary:     "Winery and a summary of its classification config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID string `path:"winery_id"`
	}) (*struct {
		Body WineryResponse `json:"body"`
	}, error) {
		scope, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermTaskRead)
		if serr != nil {
			return nil, serr
		}
		w, cfg, err := e.WineryConfig(ctx, scope)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := WineryResponse{Winery: w, Categories: map[string][]string{}, Rules: []string{}}
		for cat, subs := range cfg.Categories {
			resp.Categories[string(cat)] = append([]string{}, subs...)
		}
		for _, r := range cfg.Rules {
			resp.Rules = append(resp.Rules, r.Name)
		}
		return &struct {
			Body WineryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-member",
		Method:        http.MethodPost,
		Path:          "/wineries/{winery_id}/members",
		Summary:       "Add a club member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID string              `path:"winery_id"`
		Body     CreateMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		m, err := e.AddMember(ctx, scope, actor, domain.Member{
			FirstName: b.FirstName, LastName: b.LastName, Email: b.Email, Phone: b.Phone,
			Notes: b.Notes, ExternalRef: b.ExternalRef,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-member-contact",
		Method:      http.MethodPatch,
		Path:        "/wineries/{winery_id}/members/{member_id}",
		Summary:     "Change a member's email or phone",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID string                     `path:"winery_id"`
		MemberID string                     `path:"member_id"`
		Body     UpdateMemberContactRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		m, err := e.UpdateMemberContact(ctx, scope, actor, input.MemberID, input.Body.Email, input.Body.Phone)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}/members",
		Summary:     "List club members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID string `path:"winery_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Member `json:"body"`
	}, error) {
		scope, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermMemberManage)
		if serr != nil {
			return nil, serr
		}
		items, err := e.Repo.ListMembers(ctx, scope.WineryID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, domain.Storage("list members", err))
		}
		if items == nil {
			items = []domain.Member{}
		}
		return &struct {
			Body []domain.Member `json:"body"`
		}{Body: items}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-message",
		Method:        http.MethodPost,
		Path:          "/wineries/{winery_id}/messages",
		Summary:       "Inbound provider webhook: classify a message into a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID string               `path:"winery_id"`
		Body     IngestMessageRequest `json:"body"`
	}) (*struct {
		Status int
		Body   IngestResponse `json:"body"`
	}, error) {
		if _, _, serr := requirePermission(ctx, e, input.WineryID, auth.PermMessageIngest); serr != nil {
			return nil, serr
		}
		b := input.Body
		in := engine.InboundMessage{
			WineryID:   input.WineryID,
			Source:     domain.Channel(strings.ToLower(b.Source)),
			From:       b.From,
			To:         b.To,
			Body:       b.Body,
			ExternalID: b.ExternalID,
			RawJSON:    b.RawJSON,
		}
		if b.ReceivedAt != "" {
			t, err := time.Parse(time.RFC3339Nano, b.ReceivedAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid received_at: "+err.Error(), nil)
			}
			in.ReceivedAt = t
		}
		out, err := e.HandleInboundMessage(ctx, in)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := IngestResponse{
			Task:      out.Task,
			MessageID: out.Message.ID,
			Rule:      out.Classification.Rule,
			Reply:     out.Reply,
			Duplicate: out.Duplicate,
		}
		if out.Token != nil {
			resp.TokenID = out.Token.ID
		}
		status := http.StatusCreated
		if out.Duplicate {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   IngestResponse `json:"body"`
		}{Status: status, Body: resp}, nil
	})
}

func registerMessageRead(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/wineries/{winery_id}/messages/{message_id}",
		Summary:     "Get a stored inbound message",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WineryID  string `path:"winery_id"`
		MessageID string `path:"message_id"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		scope, actor, serr := scopeFor(ctx, input.WineryID)
		if serr != nil {
			return nil, serr
		}
		m, err := e.GetMessage(ctx, scope, actor, input.MessageID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The authenticated caller and what it may do",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		u, err := e.Repo.GetStaffUser(ctx, nil, p.WineryID, p.UserID)
		if err != nil {
			return nil, handleError(ctx, domain.Storage("read staff user", err))
		}
		perms := auth.Permissions(u.Role)
		if perms == nil {
			perms = []string{}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID: u.ID, Name: u.Name, WineryID: u.WineryID,
			Role: u.Role, Permissions: perms, Source: p.Source,
		}}, nil
	})
}
