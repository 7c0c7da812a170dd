package server

import (
	"cellarline/internal/domain"
)

// Request payloads

type IngestMessageRequest struct {
	Source     string `json:"source" enum:"sms,email,voice"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Body       string `json:"body"`
	ExternalID string `json:"external_id,omitempty"`
	ReceivedAt string `json:"received_at,omitempty" format:"date-time"`
	RawJSON    string `json:"raw_json,omitempty"`
}

type DecisionRequest struct {
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (r DecisionRequest) details() map[string]any {
	if r.Reason == "" && len(r.Details) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.Details)+1)
	for k, v := range r.Details {
		out[k] = v
	}
	if r.Reason != "" {
		out["reason"] = r.Reason
	}
	return out
}

type RequestMemberActionRequest struct {
	Type string `json:"type" enum:"ADDRESS_CHANGE,PAYMENT_METHOD_UPDATE,PREFERENCE_UPDATE"`
}

type AssignRequest struct {
	AssigneeID *string `json:"assignee_id"`
}

type PayloadPatchRequest struct {
	Patch     map[string]any `json:"patch"`
	IfVersion int            `json:"if_version,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type ParentRequest struct {
	ParentTaskID *string `json:"parent_task_id"`
}

type CreateManualTaskRequest struct {
	Category              string         `json:"category" enum:"BOOKING,ORDER,ACCOUNT,GENERAL,INTERNAL,SYSTEM,OPERATIONS"`
	SubType               string         `json:"sub_type,omitempty"`
	MemberID              string         `json:"member_id,omitempty"`
	Priority              string         `json:"priority,omitempty" enum:"low,normal,high"`
	SuggestedChannel      string         `json:"suggested_channel,omitempty" enum:"sms,email,none"`
	SuggestedReplySubject string         `json:"suggested_reply_subject,omitempty"`
	SuggestedReplyBody    string         `json:"suggested_reply_body,omitempty"`
	RequiresApproval      *bool          `json:"requires_approval,omitempty"`
	Payload               map[string]any `json:"payload,omitempty"`
	ParentTaskID          string         `json:"parent_task_id,omitempty"`
	Note                  string         `json:"note,omitempty"`
}

type UpdateManualRequest struct {
	Priority              *string `json:"priority,omitempty" enum:"low,normal,high"`
	SuggestedChannel      *string `json:"suggested_channel,omitempty" enum:"sms,email,none"`
	SuggestedReplySubject *string `json:"suggested_reply_subject,omitempty"`
	SuggestedReplyBody    *string `json:"suggested_reply_body,omitempty"`
	RequiresApproval      *bool   `json:"requires_approval,omitempty"`
	IfVersion             int     `json:"if_version,omitempty"`
}

type CreateMemberRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// UpdateMemberContactRequest leaves omitted fields unchanged.
type UpdateMemberContactRequest struct {
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

type RedeemRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// Response payloads

// TaskResponse is a task with the latest entry of its audit history.
type TaskResponse struct {
	Task         domain.Task       `json:"task"`
	LatestAction domain.TaskAction `json:"latest_action"`
}

type TaskListResponse struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type IngestResponse struct {
	Task      domain.Task `json:"task"`
	MessageID string      `json:"message_id"`
	Rule      string      `json:"rule"`
	Reply     string      `json:"reply,omitempty"`
	TokenID   string      `json:"token_id,omitempty"`
	Duplicate bool        `json:"duplicate"`
}

type WineryResponse struct {
	Winery     domain.Winery       `json:"winery"`
	Categories map[string][]string `json:"categories"`
	Rules      []string            `json:"rules"`
}

// MemberActionResponse is what the member landing page may show. It never
// includes task internals or the delivery target.
type MemberActionResponse struct {
	Type       string         `json:"type"`
	WineryName string         `json:"winery_name,omitempty"`
	ExpiresAt  string         `json:"expires_at" format:"date-time"`
	Prefill    map[string]any `json:"prefill,omitempty"`
}

type RedeemResponse struct {
	Status string `json:"status"`
}

type MeResponse struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	WineryID    string   `json:"winery_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}
