package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"cellarline/internal/config"
	"cellarline/internal/dispatch"
	"cellarline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Event is the JSON body webhooks and NATS subscribers receive.
type Event struct {
	ID         int64          `json:"id"`
	WineryID   string         `json:"winery_id"`
	TaskID     string         `json:"task_id"`
	UserID     *string        `json:"user_id,omitempty"`
	ActionType string         `json:"action_type"`
	Details    map[string]any `json:"details"`
	CreatedAt  string         `json:"created_at"`
}

func eventOf(a domain.TaskAction) Event {
	details := make(map[string]any, len(a.Details))
	for k, v := range a.Details {
		// reply bodies go through the dispatcher only
		if k == "reply" {
			continue
		}
		details[k] = v
	}
	return Event{
		ID:         a.ID,
		WineryID:   a.WineryID,
		TaskID:     a.TaskID,
		UserID:     a.UserID,
		ActionType: string(a.ActionType),
		Details:    details,
		CreatedAt:  a.CreatedAt,
	}
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(types []string) actionFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.ToUpper(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(t domain.ActionType) bool {
	if f.all {
		return true
	}
	_, ok := f.set[string(t)]
	return ok
}

// WebhookSink POSTs each matching entry to a URL.
type WebhookSink struct {
	hook   config.WebhookConfig
	filter actionFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newActionFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return "webhook:" + w.hook.URL }

func (w *WebhookSink) Accepts(a domain.TaskAction) bool { return w.filter.match(a.ActionType) }

func (w *WebhookSink) Deliver(ctx context.Context, a domain.TaskAction) error {
	data, err := json.Marshal(eventOf(a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cellarline-Action", string(a.ActionType))
	req.Header.Set("X-Cellarline-Delivery", fmt.Sprintf("%d", a.ID))
	req.Header.Set("X-Cellarline-Winery", a.WineryID)
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Cellarline-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every entry on "<prefix>.<winery>.<action type>",
// e.g. cellarline.task_actions.w1.approved.
type NATSSink struct {
	conn   publisher
	prefix string
	close  func()
}

// DialNATS connects to url. Close drains the connection.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("cellarline-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: nc, prefix: prefix, close: func() { _ = nc.Drain() }}, nil
}

func (n *NATSSink) Name() string { return "nats:" + n.prefix }

func (n *NATSSink) Accepts(domain.TaskAction) bool { return true }

func (n *NATSSink) Subject(a domain.TaskAction) string {
	return n.prefix + "." + a.WineryID + "." + strings.ToLower(string(a.ActionType))
}

func (n *NATSSink) Deliver(_ context.Context, a domain.TaskAction) error {
	data, err := json.Marshal(eventOf(a))
	if err != nil {
		return err
	}
	return n.conn.Publish(n.Subject(a), data)
}

func (n *NATSSink) Close() {
	if n.close != nil {
		n.close()
	}
}

// ReplySink forwards entries that carry an outbound reply to a dispatcher.
type ReplySink struct {
	Dispatcher dispatch.Dispatcher
}

func (ReplySink) Name() string { return "replies" }

func (ReplySink) Accepts(a domain.TaskAction) bool {
	_, ok := dispatch.ReplyFromAction(a)
	return ok
}

func (s ReplySink) Deliver(ctx context.Context, a domain.TaskAction) error {
	r, _ := dispatch.ReplyFromAction(a)
	return s.Dispatcher.Send(ctx, r)
}
