// Package workflow holds the task state machine. It is pure: no storage, no clock.
package workflow

import (
	"fmt"

	"cellarline/internal/domain"
)

type Event string

const (
	EventApprove             Event = "approve"
	EventReject              Event = "reject"
	EventRequireMemberAction Event = "requireMemberAction"
	EventTokenRedeemed       Event = "tokenRedeemed"
	EventTokenExpired        Event = "tokenExpired"
	EventTriggerExecution    Event = "triggerExecution"
	EventExecuted            Event = "executed"
	EventCancel              Event = "cancel"
)

var Events = []Event{
	EventApprove, EventReject, EventRequireMemberAction, EventTokenRedeemed,
	EventTokenExpired, EventTriggerExecution, EventExecuted, EventCancel,
}

func (e Event) Valid() bool {
	switch e {
	case EventApprove, EventReject, EventRequireMemberAction, EventTokenRedeemed,
		EventTokenExpired, EventTriggerExecution, EventExecuted, EventCancel:
		return true
	}
	return false
}

// Apply returns the status reached by firing ev from from, or an
// InvalidTransitionError when the pair is not in the table.
func Apply(from domain.TaskStatus, ev Event) (domain.TaskStatus, error) {
	switch from {
	case domain.StatusPendingReview:
		switch ev {
		case EventApprove:
			return domain.StatusApproved, nil
		case EventReject:
			return domain.StatusRejected, nil
		case EventRequireMemberAction:
			return domain.StatusAwaitingMemberAction, nil
		case EventCancel:
			return domain.StatusCancelled, nil
		}
	case domain.StatusAwaitingMemberAction:
		switch ev {
		case EventTokenRedeemed:
			return domain.StatusPendingReview, nil
		case EventTokenExpired, EventCancel:
			return domain.StatusCancelled, nil
		case EventExecuted:
			return domain.StatusExecuted, nil
		}
	case domain.StatusApproved:
		switch ev {
		case EventTriggerExecution:
			return domain.StatusApproved, nil
		case EventExecuted:
			return domain.StatusExecuted, nil
		case EventCancel:
			return domain.StatusCancelled, nil
		}
	case domain.StatusExecuted, domain.StatusRejected, domain.StatusCancelled:
	}
	return from, domain.InvalidTransitionError{From: from, Event: string(ev)}
}

// Allowed lists the events accepted from s, in table order.
func Allowed(s domain.TaskStatus) []Event {
	var out []Event
	for _, ev := range Events {
		if _, err := Apply(s, ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// ActionFor maps an event to the audit entry type recorded for it.
func ActionFor(ev Event) domain.ActionType {
	switch ev {
	case EventApprove:
		return domain.ActionApproved
	case EventReject:
		return domain.ActionRejected
	case EventRequireMemberAction:
		return domain.ActionMemberActionRequested
	case EventTokenRedeemed:
		return domain.ActionUpdatedPayload
	case EventTokenExpired, EventCancel:
		return domain.ActionCancelled
	case EventTriggerExecution:
		return domain.ActionExecutionTriggered
	case EventExecuted:
		return domain.ActionExecuted
	}
	return ""
}

// TransitionDetails is the details map every status-changing entry carries.
func TransitionDetails(ev Event, from, to domain.TaskStatus, extra map[string]any) map[string]any {
	d := map[string]any{}
	for k, v := range extra {
		d[k] = v
	}
	d["event"] = string(ev)
	d["from"] = string(from)
	d["to"] = string(to)
	return d
}

// Replay rebuilds a task status from its audit history. The first entry must
// be CREATED or MANUAL_CREATED carrying the initial status; every later entry
// carrying an event is re-applied through the table and must land on its
// recorded "to" status.
func Replay(actions []domain.TaskAction) (domain.TaskStatus, error) {
	if len(actions) == 0 {
		return "", fmt.Errorf("replay: empty history")
	}
	first := actions[0]
	if first.ActionType != domain.ActionCreated && first.ActionType != domain.ActionManualCreated {
		return "", fmt.Errorf("replay: history starts with %s", first.ActionType)
	}
	status := domain.TaskStatus(detailString(first.Details, "status"))
	if !status.Valid() {
		return "", fmt.Errorf("replay: invalid initial status %q", status)
	}
	for _, a := range actions[1:] {
		ev := Event(detailString(a.Details, "event"))
		if ev == "" {
			continue
		}
		if !ev.Valid() {
			return "", fmt.Errorf("replay: action %d has unknown event %q", a.ID, ev)
		}
		if want := ActionFor(ev); want != a.ActionType {
			return "", fmt.Errorf("replay: action %d is %s but event %s records %s", a.ID, a.ActionType, ev, want)
		}
		next, err := Apply(status, ev)
		if err != nil {
			return "", fmt.Errorf("replay: action %d: %w", a.ID, err)
		}
		if to := domain.TaskStatus(detailString(a.Details, "to")); to != "" && to != next {
			return "", fmt.Errorf("replay: action %d recorded %s, table gives %s", a.ID, to, next)
		}
		status = next
	}
	return status, nil
}

func detailString(d map[string]any, key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}
