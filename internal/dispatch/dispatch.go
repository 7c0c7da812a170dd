// Package dispatch hands approved outbound replies to whatever actually
// sends SMS and email. The task engine never sends anything itself.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cellarline/internal/domain"
)

// Reply is one outbound message a staff decision or an intake produced.
// ID is stable across redeliveries so consumers can deduplicate.
type Reply struct {
	ID       string         `json:"id"`
	WineryID string         `json:"winery_id"`
	TaskID   string         `json:"task_id"`
	ActionID int64          `json:"action_id"`
	Channel  domain.Channel `json:"channel"`
	To       string         `json:"to"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
}

// Dispatcher delivers replies. Send must be safe to retry with the same Reply.
type Dispatcher interface {
	Send(ctx context.Context, r Reply) error
	Close() error
}

// ReplyFromAction extracts the reply carried in an audit entry's details.
// ok is false when the entry has none.
func ReplyFromAction(a domain.TaskAction) (Reply, bool) {
	raw, ok := a.Details["reply"].(map[string]any)
	if !ok {
		return Reply{}, false
	}
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	r := Reply{
		ID:       fmt.Sprintf("task-action-%d", a.ID),
		WineryID: a.WineryID,
		TaskID:   a.TaskID,
		ActionID: a.ID,
		Channel:  domain.Channel(str("channel")),
		To:       str("to"),
		Subject:  str("subject"),
		Body:     str("body"),
	}
	if strings.TrimSpace(r.To) == "" || strings.TrimSpace(r.Body) == "" {
		return Reply{}, false
	}
	return r, true
}

func (r Reply) validate() error {
	switch {
	case r.ID == "":
		return domain.Invalid("id", "required")
	case !r.Channel.ValidSource():
		return domain.Invalid("channel", string(r.Channel))
	case r.To == "":
		return domain.Invalid("to", "required")
	}
	return nil
}

// Meta describes an Envelope.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Envelope is the wire format on the broker.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Reply `json:"data"`
}

func envelope(r Reply, now time.Time) Envelope {
	cid := r.TaskID
	return Envelope{
		Meta: Meta{
			ID:            r.ID,
			Type:          "reply." + string(r.Channel),
			Source:        "cellarline",
			CorrelationID: &cid,
			CreatedAt:     now.UTC(),
		},
		Data: r,
	}
}

// LogDispatcher writes replies to a logger instead of sending them. It is
// what `serve` uses when no broker is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Send(_ context.Context, r Reply) error {
	if err := r.validate(); err != nil {
		return err
	}
	d.Logger.Info("reply ready",
		slog.String("reply_id", r.ID),
		slog.String("winery_id", r.WineryID),
		slog.String("task_id", r.TaskID),
		slog.String("channel", string(r.Channel)))
	return nil
}

func (LogDispatcher) Close() error { return nil }
