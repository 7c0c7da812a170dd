package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps string comparison in SQL equivalent to time comparison.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Category string

const (
	CategoryBooking    Category = "BOOKING"
	CategoryOrder      Category = "ORDER"
	CategoryAccount    Category = "ACCOUNT"
	CategoryGeneral    Category = "GENERAL"
	CategoryInternal   Category = "INTERNAL"
	CategorySystem     Category = "SYSTEM"
	CategoryOperations Category = "OPERATIONS"
)

var Categories = []Category{
	CategoryBooking, CategoryOrder, CategoryAccount, CategoryGeneral,
	CategoryInternal, CategorySystem, CategoryOperations,
}

func (c Category) Valid() bool {
	switch c {
	case CategoryBooking, CategoryOrder, CategoryAccount, CategoryGeneral,
		CategoryInternal, CategorySystem, CategoryOperations:
		return true
	}
	return false
}

type CustomerType string

const (
	CustomerMember  CustomerType = "MEMBER"
	CustomerVisitor CustomerType = "VISITOR"
	CustomerUnknown CustomerType = "UNKNOWN"
)

func (c CustomerType) Valid() bool {
	switch c {
	case CustomerMember, CustomerVisitor, CustomerUnknown:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusPendingReview        TaskStatus = "PENDING_REVIEW"
	StatusApproved             TaskStatus = "APPROVED"
	StatusAwaitingMemberAction TaskStatus = "AWAITING_MEMBER_ACTION"
	StatusExecuted             TaskStatus = "EXECUTED"
	StatusRejected             TaskStatus = "REJECTED"
	StatusCancelled            TaskStatus = "CANCELLED"
)

var Statuses = []TaskStatus{
	StatusPendingReview, StatusApproved, StatusAwaitingMemberAction,
	StatusExecuted, StatusRejected, StatusCancelled,
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPendingReview, StatusApproved, StatusAwaitingMemberAction,
		StatusExecuted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further event is accepted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type Sentiment string

const (
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNegative Sentiment = "NEGATIVE"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentNeutral, SentimentPositive, SentimentNegative:
		return true
	}
	return false
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
	ChannelNone  Channel = "none"
)

// ValidSource reports whether c can carry an inbound message or a token.
func (c Channel) ValidSource() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelVoice:
		return true
	}
	return false
}

// ValidSuggestion reports whether c is acceptable as a suggested reply channel.
func (c Channel) ValidSuggestion() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelNone:
		return true
	}
	return false
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

type ActionType string

const (
	ActionCreated               ActionType = "CREATED"
	ActionApproved              ActionType = "APPROVED"
	ActionRejected              ActionType = "REJECTED"
	ActionExecutionTriggered    ActionType = "EXECUTION_TRIGGERED"
	ActionExecuted              ActionType = "EXECUTED"
	ActionUpdatedPayload        ActionType = "UPDATED_PAYLOAD"
	ActionNoteAdded             ActionType = "NOTE_ADDED"
	ActionManualCreated         ActionType = "MANUAL_CREATED"
	ActionManualUpdate          ActionType = "MANUAL_UPDATE"
	ActionAssigned              ActionType = "ASSIGNED"
	ActionLinkedTask            ActionType = "LINKED_TASK"
	ActionMemberActionRequested ActionType = "MEMBER_ACTION_REQUESTED"
	ActionCancelled             ActionType = "CANCELLED"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionCreated, ActionApproved, ActionRejected, ActionExecutionTriggered,
		ActionExecuted, ActionUpdatedPayload, ActionNoteAdded, ActionManualCreated,
		ActionManualUpdate, ActionAssigned, ActionLinkedTask,
		ActionMemberActionRequested, ActionCancelled:
		return true
	}
	return false
}

type TokenType string

const (
	TokenAddressChange       TokenType = "ADDRESS_CHANGE"
	TokenPaymentMethodUpdate TokenType = "PAYMENT_METHOD_UPDATE"
	TokenPreferenceUpdate    TokenType = "PREFERENCE_UPDATE"
)

func (t TokenType) Valid() bool {
	switch t {
	case TokenAddressChange, TokenPaymentMethodUpdate, TokenPreferenceUpdate:
		return true
	}
	return false
}

// TokenFailure is the reason a token secret cannot be redeemed.
type TokenFailure string

const (
	TokenNotFound    TokenFailure = "NOT_FOUND"
	TokenExpired     TokenFailure = "EXPIRED"
	TokenAlreadyUsed TokenFailure = "ALREADY_USED"
)
