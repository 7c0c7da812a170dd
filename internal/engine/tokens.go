package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cellarline/internal/domain"
	"cellarline/internal/observability"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
	"cellarline/internal/tokens"
	"cellarline/internal/workflow"
)

// Redemption is a claimed token with the task it moved back to review.
type Redemption struct {
	Token  domain.MemberActionToken `json:"token"`
	Task   *domain.Task             `json:"task,omitempty"`
	Action *domain.TaskAction       `json:"action,omitempty"`
}

// ValidateToken reports whether secret can be redeemed now. A token whose
// task has left AWAITING_MEMBER_ACTION is reported EXPIRED.
func (e Engine) ValidateToken(ctx context.Context, secret string) (tokens.Validation, error) {
	v, err := e.tokens().Validate(ctx, nil, secret)
	if err != nil || !v.Valid || v.Token.TaskID == nil {
		return v, err
	}
	t, err := e.Repo.GetTask(ctx, nil, v.Token.WineryID, *v.Token.TaskID)
	if isNotFound(err) || (err == nil && t.Status != domain.StatusAwaitingMemberAction) {
		return tokens.Validation{Token: v.Token, Reason: domain.TokenExpired}, nil
	}
	if err != nil {
		return tokens.Validation{}, domain.Storage("read task", err)
	}
	return v, nil
}

// RedeemToken claims secret and, in the same transaction, merges submitted
// into the task payload and fires tokenRedeemed. Any failure rolls the claim
// back, so a rejected submission leaves the link usable.
func (e Engine) RedeemToken(ctx context.Context, secret string, submitted map[string]any) (Redemption, error) {
	out, err := e.redeem(ctx, secret, submitted)
	if e.Metrics != nil {
		e.Metrics.Redemptions.WithLabelValues(redemptionOutcome(err)).Inc()
	}
	if err != nil {
		return Redemption{}, err
	}
	log := observability.LoggerFromContext(ctx).With("token_id", out.Token.ID, "winery_id", out.Token.WineryID)
	if out.Task != nil {
		log = log.With("task_id", out.Task.ID)
	}
	log.Info("member action redeemed", "type", string(out.Token.Type))
	return out, nil
}

func (e Engine) redeem(ctx context.Context, secret string, submitted map[string]any) (Redemption, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Redemption{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	tok, err := e.tokens().Redeem(ctx, tx, secret)
	if err != nil {
		return Redemption{}, err
	}
	out := Redemption{Token: tok}
	if tok.TaskID != nil {
		details := map[string]any{
			"token_id": tok.ID,
			"delta":    submitted,
			"via":      "member_link",
		}
		res, err := e.fireTx(ctx, tx, tok.WineryID, *tok.TaskID, nil, workflow.EventTokenRedeemed, "", details,
			func(_ *sql.Tx, t *domain.Task, _ map[string]any) error {
				t.Payload = mergePayload(mergePayload(t.Payload, tok.Payload), submitted)
				return checkRedeemedPayload(tok.Type, t.Payload)
			})
		var ite domain.InvalidTransitionError
		if errors.As(err, &ite) || isNotFound(err) {
			return Redemption{}, domain.TokenInvalidError{Reason: domain.TokenExpired}
		}
		if err != nil {
			return Redemption{}, err
		}
		out.Task, out.Action = &res.Task, &res.Action
	}
	if err := tx.Commit(); err != nil {
		return Redemption{}, domain.Storage("commit", err)
	}
	if out.Task != nil {
		e.transitioned(ctx, Outcome{Task: *out.Task, Action: *out.Action}, workflow.EventTokenRedeemed)
	}
	return out, nil
}

// checkRedeemedPayload enforces the fields each member action must leave behind.
func checkRedeemedPayload(typ domain.TokenType, p map[string]any) error {
	switch typ {
	case domain.TokenAddressChange:
		if s, _ := p["new_address"].(string); strings.TrimSpace(s) == "" {
			return domain.Invalid("new_address", "required")
		}
	}
	return nil
}

func redemptionOutcome(err error) string {
	var ti domain.TokenInvalidError
	var ve domain.ValidationError
	switch {
	case err == nil:
		return "redeemed"
	case errors.As(err, &ti):
		return strings.ToLower(string(ti.Reason))
	case errors.As(err, &ve):
		return "invalid_payload"
	}
	return "error"
}

// ExpireReport summarizes one ExpireAwaiting pass.
type ExpireReport struct {
	Cancelled []string `json:"cancelled"`
	Skipped   int      `json:"skipped"`
}

// ExpireAwaiting cancels tasks stuck in AWAITING_MEMBER_ACTION whose tokens
// all expired unused. Tasks that moved on concurrently are skipped.
func (e Engine) ExpireAwaiting(ctx context.Context) (ExpireReport, error) {
	refs, err := e.Repo.StaleAwaitingTasks(ctx, domain.FormatTime(e.now()), 0)
	if err != nil {
		return ExpireReport{}, domain.Storage("list stale tasks", err)
	}
	rep := ExpireReport{Cancelled: []string{}}
	for _, ref := range refs {
		_, err := e.fire(ctx, scopeOf(ref), ref.TaskID, nil, workflow.EventTokenExpired, "",
			map[string]any{"reason": "member action tokens expired"}, nil)
		var ite domain.InvalidTransitionError
		switch {
		case err == nil:
			rep.Cancelled = append(rep.Cancelled, ref.TaskID)
		case errors.As(err, &ite), errors.Is(err, domain.ErrConflict):
			rep.Skipped++
		default:
			return rep, err
		}
	}
	if len(refs) > 0 {
		observability.LoggerFromContext(ctx).Info("expired awaiting tasks", "cancelled", len(rep.Cancelled), "skipped", rep.Skipped)
	}
	return rep, nil
}

// SweepTokens deletes unused tokens that expired more than olderThan ago.
func (e Engine) SweepTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	return e.tokens().Sweep(ctx, olderThan)
}

// TaskTokens lists the tokens issued for a task.
func (e Engine) TaskTokens(ctx context.Context, scope tenant.Scope, taskID string) ([]domain.MemberActionToken, error) {
	if _, err := e.GetTask(ctx, scope, taskID); err != nil {
		return nil, err
	}
	toks, err := e.Repo.ListTokensForTask(ctx, scope.WineryID, taskID)
	if err != nil {
		return nil, domain.Storage("list tokens", err)
	}
	return toks, nil
}

func scopeOf(ref repo.TaskRef) tenant.Scope { return tenant.Scope{WineryID: ref.WineryID} }
