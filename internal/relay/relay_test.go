package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellarline/internal/config"
	"cellarline/internal/db"
	"cellarline/internal/dispatch"
	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/engine/auth"
	"cellarline/internal/metrics"
	"cellarline/internal/migrate"
	"cellarline/internal/tenant"
)

type testEnv struct {
	Engine  engine.Engine
	Relay   Relay
	Ctx     context.Context
	Scope   tenant.Scope
	Manager *string
}

func newTestEnv(t *testing.T, sinks ...Sink) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC)
	e := engine.New(conn)
	e.Now = func() time.Time { return clock }
	e.PublicBaseURL = "https://cellar.example"
	ctx := context.Background()
	_, err = e.CreateWinery(ctx, domain.Winery{ID: "w1", Name: "Oak Street Cellars"}, nil)
	require.NoError(t, err)
	scope := tenant.Scope{WineryID: "w1"}
	_, err = e.AddMember(ctx, scope, nil, domain.Member{FirstName: "Jane", Phone: "+61400111222"})
	require.NoError(t, err)
	mgr, err := e.AddStaffUser(ctx, scope, nil, domain.StaffUser{Name: "Ada", Role: auth.RoleManager})
	require.NoError(t, err)

	r := Relay{Repo: e.Repo, Sinks: sinks, Metrics: metrics.New(), Now: e.Now}
	return testEnv{Engine: e, Relay: r, Ctx: ctx, Scope: scope, Manager: &mgr.ID}
}

func (env testEnv) manualTask(t *testing.T) domain.Task {
	t.Helper()
	out, err := env.Engine.CreateManualTask(env.Ctx, env.Scope, env.Manager, engine.ManualTask{
		Category: domain.CategoryGeneral, SubType: "ENQUIRY",
	})
	require.NoError(t, err)
	return out.Task
}

type recordingSink struct {
	name    string
	mu      sync.Mutex
	got     []domain.TaskAction
	failFor int64
}

func (s *recordingSink) Name() string                   { return s.name }
func (s *recordingSink) Accepts(domain.TaskAction) bool { return true }
func (s *recordingSink) Deliver(_ context.Context, a domain.TaskAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == s.failFor {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, a)
	return nil
}

func (s *recordingSink) types() []domain.ActionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActionType, 0, len(s.got))
	for _, a := range s.got {
		out = append(out, a.ActionType)
	}
	return out
}

func TestNewSinkStartsAtHeadAndFollows(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	env := newTestEnv(t, sink)
	env.manualTask(t)

	n, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "history before the first tick is not replayed")

	task := env.manualTask(t)
	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)

	n, err = env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []domain.ActionType{domain.ActionManualCreated, domain.ActionApproved}, sink.types())

	n, err = env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.Relay.Metrics.Relayed.WithLabelValues("rec", "delivered")))
}

func TestFailedDeliveryIsRetriedInOrder(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	env := newTestEnv(t, sink)
	_, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)

	first := env.manualTask(t)
	second := env.manualTask(t)
	head, err := env.Engine.Repo.LatestActionID(env.Ctx)
	require.NoError(t, err)
	sink.failFor = head

	n, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.got, 1)
	assert.Equal(t, first.ID, sink.got[0].TaskID)

	sink.failFor = 0
	n, err = env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.got, 2)
	assert.Equal(t, second.ID, sink.got[1].TaskID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Relay.Metrics.Relayed.WithLabelValues("rec", "failed")))
}

func TestCursorSurvivesRestart(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	env := newTestEnv(t, sink)
	_, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	env.manualTask(t)

	restarted := env.Relay
	restarted.Sinks = []Sink{sink}
	n, err := restarted.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := env.Engine.Repo.GetCursor(env.Ctx, "rec")
	require.NoError(t, err)
	head, err := env.Engine.Repo.LatestActionID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, head, cur)
}

func TestWebhookSinkFiltersAndSignsDeliveries(t *testing.T) {
	var mu sync.Mutex
	var bodies []Event
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(data, &ev)
		mu.Lock()
		bodies = append(bodies, ev)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Secret: "s3", Events: []string{"approved"}})
	env := newTestEnv(t, hook)
	_, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)

	task := env.manualTask(t)
	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"reason": "ok"})
	require.NoError(t, err)
	n, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "APPROVED", bodies[0].ActionType)
	assert.Equal(t, task.ID, bodies[0].TaskID)
	assert.Equal(t, "ok", bodies[0].Details["reason"])
	assert.Equal(t, "APPROVED", headers[0].Get("X-Cellarline-Action"))
	assert.Equal(t, "w1", headers[0].Get("X-Cellarline-Winery"))
	assert.Equal(t, "s3", headers[0].Get("X-Cellarline-Secret"))
}

func TestWebhookSinkReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	hook := NewWebhookSink(config.WebhookConfig{URL: srv.URL})
	err := hook.Deliver(context.Background(), domain.TaskAction{ID: 1, ActionType: domain.ActionApproved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSinkSubjectsAndRedaction(t *testing.T) {
	conn := &fakeNATS{}
	sink := &NATSSink{conn: conn, prefix: "cellarline.task_actions"}
	a := domain.TaskAction{
		ID: 7, WineryID: "w1", TaskID: "t1", ActionType: domain.ActionCreated,
		Details: map[string]any{"status": "AWAITING_MEMBER_ACTION", "reply": map[string]any{"to": "+61400111222", "body": "secret link"}},
	}
	require.NoError(t, sink.Deliver(context.Background(), a))
	assert.Equal(t, []string{"cellarline.task_actions.w1.created"}, conn.subjects)
	assert.NotContains(t, string(conn.payloads[0]), "secret link")
	assert.Contains(t, string(conn.payloads[0]), "AWAITING_MEMBER_ACTION")
}

type fakeDispatcher struct {
	sent []dispatch.Reply
}

func (f *fakeDispatcher) Send(_ context.Context, r dispatch.Reply) error {
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakeDispatcher) Close() error { return nil }

func TestReplySinkDispatchesIntakeReplies(t *testing.T) {
	d := &fakeDispatcher{}
	env := newTestEnv(t, ReplySink{Dispatcher: d})
	_, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)

	env.manualTask(t)
	in, err := env.Engine.HandleInboundMessage(env.Ctx, engine.InboundMessage{
		WineryID: "w1", Source: domain.ChannelSMS, From: "+61400111222",
		Body: "Hi, I've moved. Please update my address to 12 Oak Street, Stirling 5152.",
	})
	require.NoError(t, err)

	n, err := env.Relay.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the entry carrying a reply is dispatched")
	require.Len(t, d.sent, 1)
	assert.Equal(t, in.Task.ID, d.sent[0].TaskID)
	assert.Equal(t, domain.ChannelSMS, d.sent[0].Channel)
	assert.Equal(t, "+61400111222", d.sent[0].To)
	assert.Contains(t, d.sent[0].Body, in.Token.Token)
}

func TestActionFilter(t *testing.T) {
	all := newActionFilter(nil)
	assert.True(t, all.match(domain.ActionNoteAdded))
	blank := newActionFilter([]string{" "})
	assert.True(t, blank.match(domain.ActionNoteAdded))
	some := newActionFilter([]string{"approved", " CANCELLED "})
	assert.True(t, some.match(domain.ActionApproved))
	assert.True(t, some.match(domain.ActionCancelled))
	assert.False(t, some.match(domain.ActionCreated))
}
