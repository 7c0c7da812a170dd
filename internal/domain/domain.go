package domain

type Winery struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TimeZone  string `json:"time_zone"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	ID          string `json:"id"`
	WineryID    string `json:"winery_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ContactFor returns the member's address on the given channel.
func (m Member) ContactFor(ch Channel) string {
	switch ch {
	case ChannelSMS, ChannelVoice:
		return m.Phone
	case ChannelEmail:
		return m.Email
	}
	return ""
}

type Message struct {
	ID         string    `json:"id"`
	WineryID   string    `json:"winery_id"`
	MemberID   *string   `json:"member_id,omitempty"`
	Source     Channel   `json:"source" enum:"sms,email,voice"`
	Direction  Direction `json:"direction" enum:"inbound,outbound"`
	Body       string    `json:"body"`
	RawJSON    string    `json:"raw_json,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	ReceivedAt string    `json:"received_at" format:"date-time"`
}

type Task struct {
	ID                    string         `json:"id"`
	WineryID              string         `json:"winery_id"`
	MemberID              *string        `json:"member_id,omitempty"`
	MessageID             *string        `json:"message_id,omitempty"`
	Category              Category       `json:"category" enum:"BOOKING,ORDER,ACCOUNT,GENERAL,INTERNAL,SYSTEM,OPERATIONS"`
	SubType               string         `json:"sub_type,omitempty"`
	CustomerType          CustomerType   `json:"customer_type" enum:"MEMBER,VISITOR,UNKNOWN"`
	Status                TaskStatus     `json:"status" enum:"PENDING_REVIEW,APPROVED,AWAITING_MEMBER_ACTION,EXECUTED,REJECTED,CANCELLED"`
	Payload               map[string]any `json:"payload"`
	Sentiment             Sentiment      `json:"sentiment" enum:"NEUTRAL,POSITIVE,NEGATIVE"`
	SuggestedChannel      Channel        `json:"suggested_channel" enum:"sms,email,none"`
	SuggestedReplySubject string         `json:"suggested_reply_subject,omitempty"`
	SuggestedReplyBody    string         `json:"suggested_reply_body,omitempty"`
	RequiresApproval      bool           `json:"requires_approval"`
	Priority              Priority       `json:"priority" enum:"low,normal,high"`
	AssigneeID            *string        `json:"assignee_id,omitempty"`
	ParentTaskID          *string        `json:"parent_task_id,omitempty"`
	CreatedBy             *string        `json:"created_by,omitempty"`
	UpdatedBy             *string        `json:"updated_by,omitempty"`
	Version               int            `json:"version"`
	CreatedAt             string         `json:"created_at" format:"date-time"`
	UpdatedAt             string         `json:"updated_at" format:"date-time"`
}

// TaskAction is one immutable audit entry. A nil UserID marks a system action.
type TaskAction struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	WineryID   string         `json:"winery_id"`
	UserID     *string        `json:"user_id,omitempty"`
	ActionType ActionType     `json:"action_type"`
	Details    map[string]any `json:"details"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type MemberActionToken struct {
	ID        string         `json:"id"`
	MemberID  string         `json:"member_id"`
	WineryID  string         `json:"winery_id"`
	TaskID    *string        `json:"task_id,omitempty"`
	Type      TokenType      `json:"type"`
	Channel   Channel        `json:"channel"`
	Token     string         `json:"-"`
	Target    string         `json:"target"`
	Payload   map[string]any `json:"payload"`
	ExpiresAt string         `json:"expires_at" format:"date-time"`
	UsedAt    *string        `json:"used_at,omitempty" format:"date-time"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type StaffUser struct {
	ID        string `json:"id"`
	WineryID  string `json:"winery_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	WineryID  string `json:"winery_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
