package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellarline/internal/db"
	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/engine/auth"
	"cellarline/internal/metrics"
	"cellarline/internal/migrate"
	"cellarline/internal/tenant"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Engine  engine.Engine
	Manager string
	Bot     string
	client  *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn)
	e.Metrics = metrics.New()
	e.PublicBaseURL = "https://cellar.example"
	ctx := context.Background()
	for _, w := range []domain.Winery{{ID: "w1", Name: "Oak Street Cellars"}, {ID: "w2", Name: "Hill Road Wines"}} {
		_, err := e.CreateWinery(ctx, w, nil)
		require.NoError(t, err)
	}
	scope := tenant.Scope{WineryID: "w1"}
	_, err = e.AddMember(ctx, scope, nil, domain.Member{FirstName: "Jane", Phone: "+61400111222"})
	require.NoError(t, err)
	mgr, err := e.AddStaffUser(ctx, scope, nil, domain.StaffUser{Name: "Ada", Role: auth.RoleManager})
	require.NoError(t, err)
	bot, err := e.AddStaffUser(ctx, scope, nil, domain.StaffUser{Name: "sms-gateway", Role: auth.RoleIntegration})
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Metrics:  e.Metrics,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, Manager: mgr.ID, Bot: bot.ID, client: srv.Client()}
}

func (s *testServer) bearer(t *testing.T, userID, wineryID string) map[string]string {
	t.Helper()
	tok, err := IssueJWT(AuthConfig{JWTSecret: testSecret}, userID, wineryID, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))

	res, data = srv.do(t, http.MethodGet, "/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "approve-task")
	assert.Contains(t, string(data), "bearerAuth")

	res, data = srv.do(t, http.MethodGet, "/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "openapi.json")
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodGet, "/v1/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	wrongKey, err := IssueJWT(AuthConfig{JWTSecret: "other"}, srv.Manager, "w1", time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, srv.bearer(t, srv.Manager, "w1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, srv.Manager, me.UserID)
	assert.Equal(t, "jwt", me.Source)
	assert.Equal(t, auth.RoleManager, me.Role)
	assert.Contains(t, me.Permissions, auth.PermWineryAdmin)

	scope := tenant.Scope{WineryID: "w1"}
	key, raw, err := srv.Engine.CreateAPIKey(context.Background(), scope, nil, srv.Bot, "gateway")
	require.NoError(t, err)
	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": raw})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "api_key", me.Source)
	assert.Equal(t, srv.Bot, me.UserID)
	assert.NotContains(t, me.Permissions, auth.PermTaskDecide)

	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": "cl_unknown"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	keys, err := srv.Engine.ListAPIKeys(context.Background(), scope, nil, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, srv.Engine.RevokeAPIKey(context.Background(), scope, nil, key.ID))
	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": raw})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOtherWineryLooksMissing(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/wineries/w2/tasks", nil, srv.bearer(t, srv.Manager, "w1"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestIngestThroughWebhook(t *testing.T) {
	srv := newTestServer(t)
	h := srv.bearer(t, srv.Bot, "w1")
	msg := map[string]any{
		"source":      "sms",
		"from":        "+61400111222",
		"body":        "Hi, I've moved. Please update my address to 12 Oak Street, Stirling 5152.",
		"external_id": "SM1",
	}

	res, data := srv.do(t, http.MethodPost, "/v1/wineries/w1/messages", msg, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var first IngestResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, domain.StatusAwaitingMemberAction, first.Task.Status)
	assert.NotEmpty(t, first.TokenID)
	assert.False(t, first.Duplicate)

	res, data = srv.do(t, http.MethodPost, "/v1/wineries/w1/messages", msg, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var again IngestResponse
	require.NoError(t, json.Unmarshal(data, &again))
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Task.ID, again.Task.ID)

	msg["body"] = "   "
	msg["external_id"] = "SM2"
	res, data = srv.do(t, http.MethodPost, "/v1/wineries/w1/messages", msg, h)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "body", decodeError(t, data).Details["field"])

	mgr := srv.bearer(t, srv.Manager, "w1")
	res, data = srv.do(t, http.MethodGet, "/v1/wineries/w1/messages/"+first.MessageID, nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stored domain.Message
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "SM1", stored.ExternalID)
	res, _ = srv.do(t, http.MethodGet, "/v1/wineries/w1/messages/missing", nil, mgr)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMemberContactOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.bearer(t, srv.Manager, "w1")
	res, data := srv.do(t, http.MethodGet, "/v1/wineries/w1/members", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var members []domain.Member
	require.NoError(t, json.Unmarshal(data, &members))
	require.Len(t, members, 1)

	path := "/v1/wineries/w1/members/" + members[0].ID
	res, data = srv.do(t, http.MethodPatch, path, map[string]any{"email": " Jane@Example.com "}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var m domain.Member
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "jane@example.com", m.Email)
	assert.Equal(t, "+61400111222", m.Phone)

	res, _ = srv.do(t, http.MethodPatch, path, map[string]any{"phone": "+61 400"}, srv.bearer(t, srv.Bot, "w1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = srv.do(t, http.MethodPatch, "/v1/wineries/w1/members/nobody", map[string]any{"phone": "+61 400"}, h)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReviewFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.bearer(t, srv.Manager, "w1")

	res, data := srv.do(t, http.MethodPost, "/v1/wineries/w1/tasks", map[string]any{
		"category": "GENERAL",
		"sub_type": "ENQUIRY",
		"note":     "phoned in",
	}, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created TaskResponse
	require.NoError(t, json.Unmarshal(data, &created))
	taskPath := "/v1/wineries/w1/tasks/" + created.Task.ID
	assert.Equal(t, domain.StatusPendingReview, created.Task.Status)

	res, data = srv.do(t, http.MethodPost, taskPath+"/approve", nil, srv.bearer(t, srv.Bot, "w1"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, auth.PermTaskDecide, decodeError(t, data).Details["permission"])

	res, data = srv.do(t, http.MethodPost, taskPath+"/approve", map[string]any{"reason": "looks right"}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var approved TaskResponse
	require.NoError(t, json.Unmarshal(data, &approved))
	assert.Equal(t, domain.StatusApproved, approved.Task.Status)
	assert.Equal(t, domain.ActionApproved, approved.LatestAction.ActionType)
	assert.Equal(t, "looks right", approved.LatestAction.Details["reason"])

	res, data = srv.do(t, http.MethodPost, taskPath+"/approve", nil, h)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Equal(t, "APPROVED", apiErr.Details["from"])

	res, data = srv.do(t, http.MethodGet, taskPath, nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got TaskResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.ActionApproved, got.LatestAction.ActionType)

	res, data = srv.do(t, http.MethodGet, taskPath+"/history", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hist []domain.TaskAction
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, domain.ActionManualCreated, hist[0].ActionType)

	res, data = srv.do(t, http.MethodGet, "/v1/wineries/w1/tasks?status=APPROVED", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Empty(t, list.NextCursor)

	res, _ = srv.do(t, http.MethodGet, "/v1/wineries/w1/tasks?cursor=garbage", nil, h)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTaskEditsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.bearer(t, srv.Manager, "w1")
	_, data := srv.do(t, http.MethodPost, "/v1/wineries/w1/tasks", map[string]any{"category": "GENERAL", "sub_type": "ENQUIRY"}, h)
	var created TaskResponse
	require.NoError(t, json.Unmarshal(data, &created))
	taskPath := "/v1/wineries/w1/tasks/" + created.Task.ID

	res, data := srv.do(t, http.MethodPut, taskPath+"/assignee", map[string]any{"assignee_id": srv.Manager}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out TaskResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Task.AssigneeID)
	assert.Equal(t, srv.Manager, *out.Task.AssigneeID)

	res, data = srv.do(t, http.MethodPatch, taskPath+"/payload", map[string]any{"patch": map[string]any{"case_count": 2}}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &out))
	assert.EqualValues(t, 2, out.Task.Payload["case_count"])

	res, data = srv.do(t, http.MethodPatch, taskPath+"/payload", map[string]any{"patch": map[string]any{"x": 1}, "if_version": 1}, h)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decodeError(t, data).Code)

	res, data = srv.do(t, http.MethodPost, taskPath+"/notes", map[string]any{"note": "left a voicemail"}, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var note domain.TaskAction
	require.NoError(t, json.Unmarshal(data, &note))
	assert.Equal(t, domain.ActionNoteAdded, note.ActionType)

	res, data = srv.do(t, http.MethodPut, taskPath+"/parent", map[string]any{"parent_task_id": created.Task.ID}, h)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPatch, taskPath, map[string]any{"priority": "high"}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.PriorityHigh, out.Task.Priority)
}

func TestMemberLinkOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	in, err := srv.Engine.HandleInboundMessage(context.Background(), engine.InboundMessage{
		WineryID: "w1", Source: domain.ChannelSMS, From: "+61400111222",
		Body: "Hi, I've moved. Please update my address to 12 Oak Street, Stirling 5152.",
	})
	require.NoError(t, err)
	require.NotNil(t, in.Token)
	link := "/v1/member-actions/" + in.Token.Token

	res, data := srv.do(t, http.MethodGet, link, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var view MemberActionResponse
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, "ADDRESS_CHANGE", view.Type)
	assert.Equal(t, "Oak Street Cellars", view.WineryName)
	assert.NotContains(t, string(data), "+61400111222")

	res, data = srv.do(t, http.MethodPost, link, map[string]any{"payload": map[string]any{"new_address": ""}}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, link, map[string]any{"payload": map[string]any{"new_address": "12 Oak Street, Stirling SA 5152"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"received"}`, string(data))

	for _, path := range []string{link, "/v1/member-actions/not-a-real-secret"} {
		res, data = srv.do(t, http.MethodPost, path, map[string]any{"payload": map[string]any{"new_address": "x"}}, nil)
		require.Equal(t, http.StatusGone, res.StatusCode, string(data))
		apiErr := decodeError(t, data)
		assert.Equal(t, "link_invalid", apiErr.Code)
		assert.Equal(t, linkInvalidMessage, apiErr.Message)
	}

	task, err := srv.Engine.GetTask(context.Background(), tenant.Scope{WineryID: "w1"}, in.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, task.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.Engine.HandleInboundMessage(context.Background(), engine.InboundMessage{
		WineryID: "w1", Source: domain.ChannelSMS, From: "+61499999999", Body: "what time do you open on sunday?",
	})
	require.NoError(t, err)

	res, data := srv.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "cellarline_classifications_total")
	assert.Contains(t, string(data), "cellarline_tasks_created_total")
}

func TestRedactPath(t *testing.T) {
	assert.Equal(t, "/v1/member-actions/***", redactPath("/v1/member-actions/abc123"))
	assert.Equal(t, "/v1/wineries/w1/tasks", redactPath("/v1/wineries/w1/tasks"))
	assert.False(t, strings.Contains(redactPath("/v1/member-actions/s3cret"), "s3cret"))
}

func TestIsPublicPath(t *testing.T) {
	assert.True(t, isPublicPath("/v1", "/v1/health"))
	assert.True(t, isPublicPath("/v1", "/v1/member-actions/abc"))
	assert.False(t, isPublicPath("/v1", "/v1/member-actions"))
	assert.False(t, isPublicPath("/v1", "/v1/wineries/w1/tasks"))
}
