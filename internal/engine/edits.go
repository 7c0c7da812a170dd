package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"cellarline/internal/domain"
	"cellarline/internal/engine/auth"
	"cellarline/internal/tenant"
)

// Assign sets or clears (nil) the staff member responsible for a task.
func (e Engine) Assign(ctx context.Context, scope tenant.Scope, taskID string, actor *string, assigneeID *string) (Outcome, error) {
	return e.edit(ctx, scope, taskID, actor, auth.PermTaskEdit, "assign", 0, domain.ActionAssigned,
		func(tx *sql.Tx, t *domain.Task) (map[string]any, error) {
			if assigneeID != nil && *assigneeID == "" {
				assigneeID = nil
			}
			if assigneeID != nil {
				if _, err := e.Repo.GetStaffUser(ctx, tx, scope.WineryID, *assigneeID); err != nil {
					if isNotFound(err) {
						return nil, domain.Invalid("assignee_id", "no such staff member")
					}
					return nil, domain.Storage("read staff user", err)
				}
			}
			details := map[string]any{"assignee_id": nil, "previous": nil}
			if t.AssigneeID != nil {
				details["previous"] = *t.AssigneeID
			}
			if assigneeID != nil {
				details["assignee_id"] = *assigneeID
			}
			t.AssigneeID = assigneeID
			return details, nil
		})
}

// UpdatePayload merges patch into the task payload. A null value deletes the key.
func (e Engine) UpdatePayload(ctx context.Context, scope tenant.Scope, taskID string, actor *string, patch map[string]any, ifVersion int) (Outcome, error) {
	if len(patch) == 0 {
		return Outcome{}, domain.Invalid("payload", "empty patch")
	}
	for k := range patch {
		if strings.TrimSpace(k) == "" {
			return Outcome{}, domain.Invalid("payload", "empty key")
		}
	}
	return e.edit(ctx, scope, taskID, actor, auth.PermTaskEdit, "update payload", ifVersion, domain.ActionUpdatedPayload,
		func(tx *sql.Tx, t *domain.Task) (map[string]any, error) {
			t.Payload = mergePayload(t.Payload, patch)
			return map[string]any{"delta": patch}, nil
		})
}

func mergePayload(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// AddNote appends a staff note. Notes are allowed on closed tasks and do not
// change the task row.
func (e Engine) AddNote(ctx context.Context, scope tenant.Scope, taskID string, actor *string, note string) (domain.TaskAction, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return domain.TaskAction{}, domain.Invalid("note", "empty")
	}
	if err := scope.Validate(); err != nil {
		return domain.TaskAction{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskAction{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermTaskEdit); err != nil {
		return domain.TaskAction{}, err
	}
	if _, err := e.Repo.GetTask(ctx, tx, scope.WineryID, taskID); err != nil {
		return domain.TaskAction{}, domain.Storage("read task", err)
	}
	a, err := e.audit().Append(ctx, tx, scope.WineryID, taskID, actor, domain.ActionNoteAdded, map[string]any{"note": note})
	if err != nil {
		return domain.TaskAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskAction{}, domain.Storage("commit", err)
	}
	return a, nil
}

// LinkParent makes parentID the parent of taskID, or unlinks when parentID is nil.
// Self links, cycles and chains deeper than MaxParentDepth are refused.
func (e Engine) LinkParent(ctx context.Context, scope tenant.Scope, taskID string, actor *string, parentID *string) (Outcome, error) {
	return e.edit(ctx, scope, taskID, actor, auth.PermTaskEdit, "link", 0, domain.ActionLinkedTask,
		func(tx *sql.Tx, t *domain.Task) (map[string]any, error) {
			if parentID != nil && *parentID == "" {
				parentID = nil
			}
			details := map[string]any{"parent_task_id": nil, "previous": nil}
			if t.ParentTaskID != nil {
				details["previous"] = *t.ParentTaskID
			}
			if parentID != nil {
				if err := e.ensureNoCycle(ctx, tx, scope.WineryID, *parentID, t.ID); err != nil {
					return nil, err
				}
				details["parent_task_id"] = *parentID
			}
			t.ParentTaskID = parentID
			return details, nil
		})
}

// ensureNoCycle climbs from parentID to the root. It fails if childID is met,
// if parentID is outside the winery, or if the joined chain (ancestors, the
// child and the child's own descendants) would exceed MaxParentDepth.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, wineryID, parentID, childID string) error {
	if parentID == childID {
		return domain.Invalid("parent_task_id", "a task cannot be its own parent")
	}
	tooDeep := domain.Invalid("parent_task_id", "task hierarchy too deep")
	ancestors := 0
	for cur := parentID; cur != ""; {
		ancestors++
		if ancestors >= MaxParentDepth {
			return tooDeep
		}
		next, err := e.Repo.ParentOf(ctx, tx, wineryID, cur)
		if err != nil {
			if isNotFound(err) {
				return domain.Invalid("parent_task_id", "no such task "+cur)
			}
			return domain.Storage("read parent", err)
		}
		if next == childID {
			return domain.Invalid("parent_task_id", "task hierarchy cycle detected")
		}
		cur = next
	}
	below, err := e.Repo.SubtreeHeight(ctx, tx, wineryID, childID, MaxParentDepth)
	if err != nil {
		return domain.Storage("read subtree", err)
	}
	if ancestors+1+below > MaxParentDepth {
		return tooDeep
	}
	return nil
}

// ManualTask is a staff-created task with no inbound message.
type ManualTask struct {
	Category              domain.Category
	SubType               string
	MemberID              string
	Priority              domain.Priority
	SuggestedChannel      domain.Channel
	SuggestedReplySubject string
	SuggestedReplyBody    string
	RequiresApproval      *bool
	Payload               map[string]any
	ParentTaskID          string
	Note                  string
}

// CreateManualTask records a staff-created task in PENDING_REVIEW.
func (e Engine) CreateManualTask(ctx context.Context, scope tenant.Scope, actor *string, in ManualTask) (Outcome, error) {
	_, cfg, err := tenant.Resolve(ctx, e.Repo, scope)
	if err != nil {
		return Outcome{}, domain.Storage("resolve winery", err)
	}
	if !in.Category.Valid() {
		return Outcome{}, domain.Invalid("category", string(in.Category))
	}
	if !cfg.SubTypeAllowed(in.Category, in.SubType) {
		return Outcome{}, domain.Invalid("sub_type", in.SubType+" not allowed for "+string(in.Category))
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.Valid() {
		return Outcome{}, domain.Invalid("priority", string(in.Priority))
	}
	if in.SuggestedChannel == "" {
		in.SuggestedChannel = domain.ChannelNone
	}
	if !in.SuggestedChannel.ValidSuggestion() {
		return Outcome{}, domain.Invalid("suggested_channel", string(in.SuggestedChannel))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermTaskCreate); err != nil {
		return Outcome{}, err
	}
	now := domain.FormatTime(e.now())
	t := domain.Task{
		ID:                    uuid.NewString(),
		WineryID:              scope.WineryID,
		Category:              in.Category,
		SubType:               in.SubType,
		CustomerType:          domain.CustomerUnknown,
		Status:                domain.StatusPendingReview,
		Payload:               in.Payload,
		Sentiment:             domain.SentimentNeutral,
		SuggestedChannel:      in.SuggestedChannel,
		SuggestedReplySubject: in.SuggestedReplySubject,
		SuggestedReplyBody:    in.SuggestedReplyBody,
		RequiresApproval:      true,
		Priority:              in.Priority,
		CreatedBy:             actor,
		UpdatedBy:             actor,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if in.RequiresApproval != nil {
		t.RequiresApproval = *in.RequiresApproval
	}
	if in.MemberID != "" {
		if _, err := e.Repo.GetMember(ctx, tx, scope.WineryID, in.MemberID); err != nil {
			if isNotFound(err) {
				return Outcome{}, domain.Invalid("member_id", "no such member")
			}
			return Outcome{}, domain.Storage("read member", err)
		}
		t.MemberID = &in.MemberID
		t.CustomerType = domain.CustomerMember
	}
	if in.ParentTaskID != "" {
		if err := e.ensureNoCycle(ctx, tx, scope.WineryID, in.ParentTaskID, t.ID); err != nil {
			return Outcome{}, err
		}
		t.ParentTaskID = &in.ParentTaskID
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return Outcome{}, domain.Storage("insert task", err)
	}
	details := map[string]any{"status": string(t.Status), "category": string(t.Category), "sub_type": t.SubType}
	if n := strings.TrimSpace(in.Note); n != "" {
		details["note"] = n
	}
	a, err := e.audit().Append(ctx, tx, scope.WineryID, t.ID, actor, domain.ActionManualCreated, details)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, domain.Storage("commit", err)
	}
	if e.Metrics != nil {
		e.Metrics.TasksCreated.WithLabelValues("manual", string(t.Status)).Inc()
	}
	return Outcome{Task: t, Action: a}, nil
}

// ManualUpdate lists the staff-editable reply fields; nil leaves a field unchanged.
type ManualUpdate struct {
	Priority              *domain.Priority
	SuggestedChannel      *domain.Channel
	SuggestedReplySubject *string
	SuggestedReplyBody    *string
	RequiresApproval      *bool
	IfVersion             int
}

// UpdateManual applies staff edits to priority and reply fields.
func (e Engine) UpdateManual(ctx context.Context, scope tenant.Scope, taskID string, actor *string, u ManualUpdate) (Outcome, error) {
	if u.Priority != nil && !u.Priority.Valid() {
		return Outcome{}, domain.Invalid("priority", string(*u.Priority))
	}
	if u.SuggestedChannel != nil && !u.SuggestedChannel.ValidSuggestion() {
		return Outcome{}, domain.Invalid("suggested_channel", string(*u.SuggestedChannel))
	}
	return e.edit(ctx, scope, taskID, actor, auth.PermTaskEdit, "update", u.IfVersion, domain.ActionManualUpdate,
		func(tx *sql.Tx, t *domain.Task) (map[string]any, error) {
			changes := map[string]any{}
			if u.Priority != nil && *u.Priority != t.Priority {
				changes["priority"] = map[string]any{"from": string(t.Priority), "to": string(*u.Priority)}
				t.Priority = *u.Priority
			}
			if u.SuggestedChannel != nil && *u.SuggestedChannel != t.SuggestedChannel {
				changes["suggested_channel"] = map[string]any{"from": string(t.SuggestedChannel), "to": string(*u.SuggestedChannel)}
				t.SuggestedChannel = *u.SuggestedChannel
			}
			if u.SuggestedReplySubject != nil && *u.SuggestedReplySubject != t.SuggestedReplySubject {
				changes["suggested_reply_subject"] = map[string]any{"from": t.SuggestedReplySubject, "to": *u.SuggestedReplySubject}
				t.SuggestedReplySubject = *u.SuggestedReplySubject
			}
			if u.SuggestedReplyBody != nil && *u.SuggestedReplyBody != t.SuggestedReplyBody {
				changes["suggested_reply_body"] = map[string]any{"from": t.SuggestedReplyBody, "to": *u.SuggestedReplyBody}
				t.SuggestedReplyBody = *u.SuggestedReplyBody
			}
			if u.RequiresApproval != nil && *u.RequiresApproval != t.RequiresApproval {
				changes["requires_approval"] = map[string]any{"from": t.RequiresApproval, "to": *u.RequiresApproval}
				t.RequiresApproval = *u.RequiresApproval
			}
			if len(changes) == 0 {
				return nil, domain.Invalid("update", "no changes")
			}
			return map[string]any{"changes": changes}, nil
		})
}
