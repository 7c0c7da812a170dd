package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cellarline/internal/classifier"
	"cellarline/internal/domain"
	"cellarline/internal/engine/auth"
	"cellarline/internal/observability"
	"cellarline/internal/tenant"
	"cellarline/internal/tokens"
	"cellarline/internal/workflow"
)

// Approve moves a reviewed task to APPROVED. When the task has a reply and
// the member can be reached on its channel, the APPROVED entry carries the
// reply for outbound dispatch.
func (e Engine) Approve(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (Outcome, error) {
	return e.fire(ctx, scope, taskID, actor, workflow.EventApprove, auth.PermTaskDecide, details,
		func(tx *sql.Tx, t *domain.Task, extra map[string]any) error {
			reply, err := e.approvedReply(ctx, tx, *t)
			if err != nil {
				return err
			}
			if reply != nil {
				extra["reply"] = reply
			}
			return nil
		})
}

func (e Engine) approvedReply(ctx context.Context, tx *sql.Tx, t domain.Task) (map[string]any, error) {
	if t.MemberID == nil || !t.SuggestedChannel.ValidSource() || strings.TrimSpace(t.SuggestedReplyBody) == "" {
		return nil, nil
	}
	m, err := e.Repo.GetMember(ctx, tx, t.WineryID, *t.MemberID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Storage("read member", err)
	}
	to := m.ContactFor(t.SuggestedChannel)
	if to == "" {
		return nil, nil
	}
	return replyDetails(t.SuggestedChannel, to, t.SuggestedReplySubject, t.SuggestedReplyBody), nil
}

// Reject closes a pending task without action.
func (e Engine) Reject(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (Outcome, error) {
	return e.fire(ctx, scope, taskID, actor, workflow.EventReject, auth.PermTaskDecide, details, e.revoker(ctx))
}

// Cancel closes any non-terminal task and expires its outstanding tokens.
func (e Engine) Cancel(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (Outcome, error) {
	return e.fire(ctx, scope, taskID, actor, workflow.EventCancel, auth.PermTaskDecide, details, e.revoker(ctx))
}

// revoker expires a closing task's outstanding tokens so its links stop working.
func (e Engine) revoker(ctx context.Context) func(*sql.Tx, *domain.Task, map[string]any) error {
	return func(tx *sql.Tx, t *domain.Task, extra map[string]any) error {
		n, err := e.tokens().RevokeForTask(ctx, tx, t.WineryID, t.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			extra["tokens_revoked"] = n
		}
		return nil
	}
}

// Execute records that a task was carried out.
func (e Engine) Execute(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (Outcome, error) {
	return e.fire(ctx, scope, taskID, actor, workflow.EventExecuted, auth.PermTaskExecute, details, e.revoker(ctx))
}

// TriggerExecution records an execution request on an approved task. With an
// Executor configured the task is executed right after the request commits;
// an executor failure is recorded as a note and the task stays APPROVED.
func (e Engine) TriggerExecution(ctx context.Context, scope tenant.Scope, taskID string, actor *string, details map[string]any) (Outcome, error) {
	out, err := e.fire(ctx, scope, taskID, actor, workflow.EventTriggerExecution, auth.PermTaskExecute, details, nil)
	if err != nil || e.Executor == nil {
		return out, err
	}
	log := observability.LoggerFromContext(ctx)
	result, execErr := e.Executor.Execute(ctx, out.Task)
	if execErr != nil {
		log.Warn("executor failed", "task_id", out.Task.ID, "err", execErr)
		note, err := e.edit(ctx, scope, taskID, nil, auth.PermTaskExecute, "note", 0, domain.ActionNoteAdded,
			func(*sql.Tx, *domain.Task) (map[string]any, error) {
				return map[string]any{"note": fmt.Sprintf("execution failed: %v", execErr), "execution_failed": true}, nil
			})
		if err != nil {
			return out, err
		}
		return note, nil
	}
	return e.fire(ctx, scope, taskID, nil, workflow.EventExecuted, auth.PermTaskExecute, map[string]any{"result": result}, e.revoker(ctx))
}

// RequireMemberAction sends an existing pending task to the member: a token
// of type typ is issued and the reply with its link is attached for dispatch.
func (e Engine) RequireMemberAction(ctx context.Context, scope tenant.Scope, taskID string, actor *string, typ domain.TokenType) (Outcome, error) {
	if !typ.Valid() {
		return Outcome{}, domain.Invalid("type", "unknown member action "+string(typ))
	}
	_, cfg, err := tenant.Resolve(ctx, e.Repo, scope)
	if err != nil {
		return Outcome{}, domain.Storage("resolve winery", err)
	}
	return e.fire(ctx, scope, taskID, actor, workflow.EventRequireMemberAction, auth.PermTaskDecide, nil,
		func(tx *sql.Tx, t *domain.Task, extra map[string]any) error {
			if t.MemberID == nil {
				return domain.Invalid("member_id", "task has no identified member to ask")
			}
			m, err := e.Repo.GetMember(ctx, tx, t.WineryID, *t.MemberID)
			if err != nil {
				return domain.Storage("read member", err)
			}
			ch, target := tokenChannel(t.SuggestedChannel, domain.ChannelSMS, &m)
			if target == "" {
				ch, target = tokenChannel(domain.ChannelEmail, domain.ChannelEmail, &m)
			}
			if target == "" {
				return domain.Invalid("member_id", "member has no phone or email on file")
			}
			secret, err := tokens.NewSecret(nil)
			if err != nil {
				return err
			}
			tok, err := e.tokens().Issue(ctx, tx, tokens.IssueRequest{
				WineryID: t.WineryID,
				MemberID: m.ID,
				TaskID:   &t.ID,
				Type:     typ,
				Channel:  ch,
				Target:   target,
				Payload:  t.Payload,
				TTL:      cfg.TokenTTL(),
				Secret:   secret,
			})
			if err != nil {
				return err
			}
			body := t.SuggestedReplyBody
			if strings.TrimSpace(body) == "" {
				body = fmt.Sprintf("%s %s, please complete this request here: %s", greeting(cfg.BrandVoice.Greeting), m.FirstName, classifier.LinkMarker)
			}
			t.SuggestedReplyBody = withLink(body, e.link(secret))
			t.SuggestedChannel = ch
			extra["token_id"] = tok.ID
			extra["member_action"] = string(typ)
			extra["reply"] = replyDetails(ch, target, t.SuggestedReplySubject, t.SuggestedReplyBody)
			return nil
		})
}

func greeting(g string) string {
	if strings.TrimSpace(g) == "" {
		return "Hi"
	}
	return g
}
