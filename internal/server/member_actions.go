package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/observability"
)

// linkGone is the only failure a member ever sees. Which check failed is
// logged, never returned.
func linkGone(ctx context.Context, err error) huma.StatusError {
	var ti domain.TokenInvalidError
	var ve domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &ti):
		observability.LoggerFromContext(ctx).Info("member link refused", "reason", string(ti.Reason))
	case err != nil:
		observability.LoggerFromContext(ctx).Error("member link failed", "err", err)
	}
	return newAPIError(http.StatusGone, "link_invalid", linkInvalidMessage, nil)
}

func registerMemberActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-member-action",
		Method:      http.MethodGet,
		Path:        "/member-actions/{token}",
		Summary:     "Check a member link before showing its form",
		Errors:      []int{http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body MemberActionResponse `json:"body"`
	}, error) {
		v, err := e.ValidateToken(ctx, input.Token)
		if err != nil || !v.Valid {
			if err == nil {
				err = domain.TokenInvalidError{Reason: v.Reason}
			}
			return nil, linkGone(ctx, err)
		}
		resp := MemberActionResponse{
			Type:      string(v.Token.Type),
			ExpiresAt: v.Token.ExpiresAt,
			Prefill:   v.Token.Payload,
		}
		if w, err := e.Repo.GetWinery(ctx, nil, v.Token.WineryID); err == nil {
			resp.WineryName = w.Name
		}
		return &struct {
			Body MemberActionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeem-member-action",
		Method:      http.MethodPost,
		Path:        "/member-actions/{token}",
		Summary:     "Submit a member link; it works once",
		Errors:      []int{http.StatusBadRequest, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string        `path:"token"`
		Body  RedeemRequest `json:"body" required:"false"`
	}) (*struct {
		Body RedeemResponse `json:"body"`
	}, error) {
		if _, err := e.RedeemToken(ctx, input.Token, input.Body.Payload); err != nil {
			return nil, linkGone(ctx, err)
		}
		return &struct {
			Body RedeemResponse `json:"body"`
		}{Body: RedeemResponse{Status: "received"}}, nil
	})
}
