// Package cellarlinesdk is a small client for the Cellarline HTTP API: the
// staff review endpoints and the public member links.
package cellarlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one winery. Set BearerToken or APIKey for staff calls;
// member link calls need neither.
type Client struct {
	BaseURL     string
	WineryID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. https://api.example.com/v1.
func New(baseURL, wineryID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		WineryID: wineryID,
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string         `json:"id"`
	WineryID           string         `json:"winery_id"`
	MemberID           *string        `json:"member_id,omitempty"`
	Category           string         `json:"category"`
	SubType            string         `json:"sub_type,omitempty"`
	CustomerType       string         `json:"customer_type"`
	Status             string         `json:"status"`
	Payload            map[string]any `json:"payload"`
	Priority           string         `json:"priority"`
	SuggestedChannel   string         `json:"suggested_channel"`
	SuggestedReplyBody string         `json:"suggested_reply_body,omitempty"`
	AssigneeID         *string        `json:"assignee_id,omitempty"`
	ParentTaskID       *string        `json:"parent_task_id,omitempty"`
	Version            int            `json:"version"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

// Action is one audit entry.
type Action struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	WineryID   string         `json:"winery_id"`
	UserID     *string        `json:"user_id,omitempty"`
	ActionType string         `json:"action_type"`
	Details    map[string]any `json:"details"`
	CreatedAt  string         `json:"created_at"`
}

// TaskResult is a task with its latest audit entry.
type TaskResult struct {
	Task         Task   `json:"task"`
	LatestAction Action `json:"latest_action"`
}

type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type TaskFilter struct {
	Status     string
	Category   string
	AssigneeID string
	MemberID   string
	Limit      int
	Cursor     string
}

type Message struct {
	Source     string `json:"source"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Body       string `json:"body"`
	ExternalID string `json:"external_id,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
}

type IngestResult struct {
	Task      Task   `json:"task"`
	MessageID string `json:"message_id"`
	Rule      string `json:"rule"`
	Reply     string `json:"reply,omitempty"`
	TokenID   string `json:"token_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// MemberAction is what a member link reveals before it is submitted.
type MemberAction struct {
	Type       string         `json:"type"`
	WineryName string         `json:"winery_name,omitempty"`
	ExpiresAt  string         `json:"expires_at"`
	Prefill    map[string]any `json:"prefill,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LinkInvalid reports whether err is a dead member link.
func LinkInvalid(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusGone
}

// IngestMessage posts an inbound message as the provider webhook would.
func (c *Client) IngestMessage(ctx context.Context, m Message) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, c.wineryPath("messages"), m, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, f TaskFilter) (TaskPage, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"status": f.Status, "category": f.Category, "assignee_id": f.AssigneeID,
		"member_id": f.MemberID, "cursor": f.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := c.wineryPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, taskID string) ([]Action, error) {
	var resp []Action
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "history"), nil, &resp)
	return resp, err
}

// Approve, Reject, Execute, TriggerExecution and Cancel post a decision with
// an optional reason.
func (c *Client) Approve(ctx context.Context, taskID, reason string) (TaskResult, error) {
	return c.decide(ctx, taskID, "approve", reason)
}

func (c *Client) Reject(ctx context.Context, taskID, reason string) (TaskResult, error) {
	return c.decide(ctx, taskID, "reject", reason)
}

func (c *Client) Execute(ctx context.Context, taskID, reason string) (TaskResult, error) {
	return c.decide(ctx, taskID, "execute", reason)
}

func (c *Client) TriggerExecution(ctx context.Context, taskID, reason string) (TaskResult, error) {
	return c.decide(ctx, taskID, "trigger-execution", reason)
}

func (c *Client) Cancel(ctx context.Context, taskID, reason string) (TaskResult, error) {
	return c.decide(ctx, taskID, "cancel", reason)
}

func (c *Client) decide(ctx context.Context, taskID, verb, reason string) (TaskResult, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, verb), body, &resp)
	return resp, err
}

func (c *Client) RequestMemberAction(ctx context.Context, taskID, actionType string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "request-member-action"), map[string]any{"type": actionType}, &resp)
	return resp, err
}

// Assign sets the assignee; an empty userID unassigns.
func (c *Client) Assign(ctx context.Context, taskID, userID string) (TaskResult, error) {
	var assignee *string
	if userID != "" {
		assignee = &userID
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "assignee"), map[string]any{"assignee_id": assignee}, &resp)
	return resp, err
}

func (c *Client) PatchPayload(ctx context.Context, taskID string, patch map[string]any, ifVersion int) (TaskResult, error) {
	var resp TaskResult
	body := map[string]any{"patch": patch}
	if ifVersion > 0 {
		body["if_version"] = ifVersion
	}
	err := c.do(ctx, http.MethodPatch, c.taskPath(taskID, "payload"), body, &resp)
	return resp, err
}

func (c *Client) AddNote(ctx context.Context, taskID, note string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "notes"), map[string]any{"note": note}, &resp)
	return resp, err
}

// MemberAction fetches what a member link will show.
func (c *Client) MemberAction(ctx context.Context, secret string) (MemberAction, error) {
	var resp MemberAction
	err := c.do(ctx, http.MethodGet, "member-actions/"+url.PathEscape(secret), nil, &resp)
	return resp, err
}

// RedeemMemberAction submits a member link. It succeeds once.
func (c *Client) RedeemMemberAction(ctx context.Context, secret string, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, "member-actions/"+url.PathEscape(secret), map[string]any{"payload": payload}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) wineryPath(p string) string {
	return fmt.Sprintf("wineries/%s/%s", url.PathEscape(c.WineryID), strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(taskID, verb string) string {
	p := c.wineryPath("tasks/" + url.PathEscape(taskID))
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
