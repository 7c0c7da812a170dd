package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
	"cellarline/internal/workflow"
)

const movedSMS = "Hi, I've moved. Please update my address to 12 Oak Street, Stirling 5152."

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Clock   *time.Time
	Scope   tenant.Scope
	Member  domain.Member
	Manager *string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }
	eng.Metrics = metrics.New()
	eng.PublicBaseURL = "https://cellar.example/"
	ctx := context.Background()

	_, err = eng.CreateWinery(ctx, domain.Winery{ID: "w1", Name: "Oak Street Cellars", TimeZone: "Australia/Adelaide"}, nil)
	require.NoError(t, err)
	scope := tenant.Scope{WineryID: "w1"}
	jane, err := eng.AddMember(ctx, scope, nil, domain.Member{FirstName: "Jane", LastName: "Doe", Phone: "+61 400 111 222", Email: "Jane@Example.com"})
	require.NoError(t, err)
	mgr, err := eng.AddStaffUser(ctx, scope, nil, domain.StaffUser{Name: "Ada", Role: auth.RoleManager})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock, Scope: scope, Member: jane, Manager: &mgr.ID}
}

func (env testEnv) ingest(t *testing.T, from, body, externalID string) engine.Intake {
	t.Helper()
	out, err := env.Engine.HandleInboundMessage(env.Ctx, engine.InboundMessage{
		WineryID: env.Scope.WineryID, Source: domain.ChannelSMS, From: from, To: "+61880000000",
		Body: body, ExternalID: externalID,
	})
	require.NoError(t, err)
	return out
}

func (env testEnv) manual(t *testing.T) domain.Task {
	t.Helper()
	out, err := env.Engine.CreateManualTask(env.Ctx, env.Scope, env.Manager, engine.ManualTask{
		Category: domain.CategoryGeneral, SubType: "ENQUIRY",
	})
	require.NoError(t, err)
	return out.Task
}

func (env testEnv) history(t *testing.T, taskID string) []domain.TaskAction {
	t.Helper()
	h, err := env.Engine.History(env.Ctx, env.Scope, taskID)
	require.NoError(t, err)
	return h
}

func secretFromReply(t *testing.T, reply string) string {
	t.Helper()
	_, rest, ok := strings.Cut(reply, "https://cellar.example/m/")
	require.True(t, ok, "reply has no member link: %q", reply)
	return strings.Fields(rest)[0]
}

func TestOakStreetAddressChange(t *testing.T) {
	env := newTestEnv(t)

	in := env.ingest(t, "+61400111222", movedSMS, "SM1")
	task := in.Task
	assert.Equal(t, domain.CategoryAccount, task.Category)
	assert.Equal(t, "ADDRESS_CHANGE", task.SubType)
	assert.Equal(t, domain.CustomerMember, task.CustomerType)
	assert.Equal(t, domain.StatusAwaitingMemberAction, task.Status)
	assert.Equal(t, "12 Oak Street, Stirling 5152", task.Payload["new_address"])
	require.NotNil(t, in.Token)
	assert.Equal(t, domain.ChannelSMS, in.Token.Channel)
	assert.Equal(t, "+61400111222", in.Token.Target)
	assert.Equal(t, "2024-03-04T01:30:00.000000Z", in.Token.ExpiresAt)
	assert.NotContains(t, in.Reply, "{link}")
	assert.Equal(t, in.Token.Token, secretFromReply(t, in.Reply))
	assert.True(t, strings.HasPrefix(in.Reply, "Hi Jane,"), in.Reply)

	created := env.history(t, task.ID)[0]
	assert.Equal(t, domain.ActionCreated, created.ActionType)
	assert.Nil(t, created.UserID)
	reply, ok := created.Details["reply"].(map[string]any)
	require.True(t, ok, "CREATED entry carries the outbound reply")
	assert.Equal(t, "+61400111222", reply["to"])

	*env.Clock = env.Clock.Add(2 * time.Hour)
	red, err := env.Engine.RedeemToken(env.Ctx, in.Token.Token, map[string]any{"new_address": "12 Oak Street, Stirling SA 5152"})
	require.NoError(t, err)
	require.NotNil(t, red.Task)
	assert.Equal(t, domain.StatusPendingReview, red.Task.Status)
	assert.Equal(t, "12 Oak Street, Stirling SA 5152", red.Task.Payload["new_address"])
	assert.Equal(t, domain.ActionUpdatedPayload, red.Action.ActionType)
	assert.Equal(t, "tokenRedeemed", red.Action.Details["event"])

	approved, err := env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Task.Status)
	assert.Equal(t, *env.Manager, *approved.Action.UserID)

	executed, err := env.Engine.Execute(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"crm_ref": "C-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, executed.Task.Status)
	assert.Equal(t, "C-1", executed.Action.Details["crm_ref"])

	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	assert.EqualError(t, err, "task already executed; cannot approve")

	h := env.history(t, task.ID)
	got := make([]domain.ActionType, 0, len(h))
	for _, a := range h {
		got = append(got, a.ActionType)
	}
	assert.Equal(t, []domain.ActionType{
		domain.ActionCreated, domain.ActionUpdatedPayload, domain.ActionApproved, domain.ActionExecuted,
	}, got)
	for i := 1; i < len(h); i++ {
		assert.Greater(t, h[i].ID, h[i-1].ID)
		assert.GreaterOrEqual(t, h[i].CreatedAt, h[i-1].CreatedAt)
	}
	status, err := workflow.Replay(h)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, status)
}

func TestUnknownSenderFallsBackToReview(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61499999999", "Do you have the 2019 shiraz in magnums?", "")
	assert.Equal(t, domain.CategoryGeneral, in.Task.Category)
	assert.Equal(t, domain.StatusPendingReview, in.Task.Status)
	assert.Nil(t, in.Task.MemberID)
	assert.Nil(t, in.Token)
	assert.Equal(t, "fallback", in.Classification.Rule)
	assert.Contains(t, in.Reply, "Hi there")
}

func TestIdentifiedMemberWithoutMatchingRuleGetsNoToken(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", "What time do you open on Sunday?", "")
	assert.Equal(t, domain.StatusPendingReview, in.Task.Status)
	require.NotNil(t, in.Task.MemberID)
	assert.Equal(t, env.Member.ID, *in.Task.MemberID)
	assert.Nil(t, in.Token)
}

func TestDuplicateExternalIDReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	first := env.ingest(t, "+61400111222", movedSMS, "SM42")
	again := env.ingest(t, "+61400111222", movedSMS, "SM42")
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	tasks, err := env.Engine.ListTasks(env.Ctx, env.Scope, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestInboundValidation(t *testing.T) {
	env := newTestEnv(t)
	for name, in := range map[string]engine.InboundMessage{
		"empty body":     {WineryID: "w1", Source: domain.ChannelSMS, Body: "   "},
		"bad utf8":       {WineryID: "w1", Source: domain.ChannelSMS, Body: string([]byte{0xff, 0xfe})},
		"bad source":     {WineryID: "w1", Source: "fax", Body: "hello"},
		"missing tenant": {Source: domain.ChannelSMS, Body: "hello"},
	} {
		_, err := env.Engine.HandleInboundMessage(env.Ctx, in)
		var ve domain.ValidationError
		assert.True(t, errors.As(err, &ve), "%s: %v", name, err)
	}
	_, err := env.Engine.HandleInboundMessage(env.Ctx, engine.InboundMessage{WineryID: "nope", Source: domain.ChannelSMS, Body: "hello"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDoubleApprove(t *testing.T) {
	env := newTestEnv(t)
	task := env.manual(t)
	_, err := env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	var ite domain.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.EqualError(t, err, "cannot approve a task in status APPROVED")
}

func TestRefusedTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	task := env.manual(t)
	_, err := env.Engine.Reject(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"reason": "spam"})
	require.NoError(t, err)
	before := env.history(t, task.ID)
	stored, err := env.Engine.GetTask(env.Ctx, env.Scope, task.ID)
	require.NoError(t, err)

	for _, op := range []func() (engine.Outcome, error){
		func() (engine.Outcome, error) { return env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil) },
		func() (engine.Outcome, error) { return env.Engine.Cancel(env.Ctx, env.Scope, task.ID, env.Manager, nil) },
		func() (engine.Outcome, error) { return env.Engine.Execute(env.Ctx, env.Scope, task.ID, env.Manager, nil) },
		func() (engine.Outcome, error) {
			return env.Engine.UpdatePayload(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"x": 1}, 0)
		},
	} {
		_, err := op()
		var ite domain.InvalidTransitionError
		require.True(t, errors.As(err, &ite), "%v", err)
	}
	assert.Equal(t, before, env.history(t, task.ID))
	after, err := env.Engine.GetTask(env.Ctx, env.Scope, task.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, after)
}

func TestReplayMatchesStoredStatus(t *testing.T) {
	env := newTestEnv(t)
	paths := [][]func(id string) error{
		{},
		{func(id string) error { _, err := env.Engine.Approve(env.Ctx, env.Scope, id, env.Manager, nil); return err }},
		{
			func(id string) error { _, err := env.Engine.Approve(env.Ctx, env.Scope, id, env.Manager, nil); return err },
			func(id string) error {
				_, err := env.Engine.TriggerExecution(env.Ctx, env.Scope, id, env.Manager, nil)
				return err
			},
			func(id string) error { _, err := env.Engine.AddNote(env.Ctx, env.Scope, id, env.Manager, "shipped"); return err },
			func(id string) error { _, err := env.Engine.Execute(env.Ctx, env.Scope, id, env.Manager, nil); return err },
		},
		{
			func(id string) error {
				_, err := env.Engine.RequireMemberAction(env.Ctx, env.Scope, id, env.Manager, domain.TokenPreferenceUpdate)
				return err
			},
			func(id string) error { _, err := env.Engine.Cancel(env.Ctx, env.Scope, id, env.Manager, nil); return err },
		},
	}
	for i, path := range paths {
		in := env.ingest(t, "+61400111222", fmt.Sprintf("Question number %d about the cellar door", i), "")
		for _, step := range path {
			require.NoError(t, step(in.Task.ID))
		}
		stored, err := env.Engine.GetTask(env.Ctx, env.Scope, in.Task.ID)
		require.NoError(t, err)
		replayed, err := workflow.Replay(env.history(t, in.Task.ID))
		require.NoError(t, err)
		assert.Equal(t, stored.Status, replayed, "path %d", i)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", movedSMS, "")
	_, err := env.Engine.CreateWinery(env.Ctx, domain.Winery{ID: "w2", Name: "Hill Top"}, nil)
	require.NoError(t, err)
	other := tenant.Scope{WineryID: "w2"}

	_, err = env.Engine.GetTask(env.Ctx, other, in.Task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.History(env.Ctx, other, in.Task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.Cancel(env.Ctx, other, in.Task.ID, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	tasks, err := env.Engine.ListTasks(env.Ctx, other, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Jane is not a member of w2, so the same text there is an unknown sender.
	there, err := env.Engine.HandleInboundMessage(env.Ctx, engine.InboundMessage{
		WineryID: "w2", Source: domain.ChannelSMS, From: "+61400111222", Body: movedSMS,
	})
	require.NoError(t, err)
	assert.Nil(t, there.Task.MemberID)
	assert.Nil(t, there.Token)
	assert.Equal(t, domain.StatusPendingReview, there.Task.Status)
}

func TestConcurrentRedeemExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", movedSMS, "")
	require.NotNil(t, in.Token)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.RedeemToken(env.Ctx, in.Token.Token, map[string]any{"unit": fmt.Sprint(i)})
		}()
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var ti domain.TokenInvalidError
		require.True(t, errors.As(err, &ti), "%v", err)
		assert.Equal(t, domain.TokenAlreadyUsed, ti.Reason)
	}
	assert.Equal(t, 1, wins)

	redeemed := 0
	for _, a := range env.history(t, in.Task.ID) {
		if a.Details["event"] == "tokenRedeemed" {
			redeemed++
		}
	}
	assert.Equal(t, 1, redeemed)
}

func TestRedeemRejectsIncompleteAddressAndKeepsLink(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", movedSMS, "")
	_, err := env.Engine.RedeemToken(env.Ctx, in.Token.Token, map[string]any{"new_address": nil})
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve), "%v", err)

	v, err := env.Engine.ValidateToken(env.Ctx, in.Token.Token)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	task, err := env.Engine.GetTask(env.Ctx, env.Scope, in.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingMemberAction, task.Status)
	assert.Equal(t, 1, task.Version)
}

func TestTokenExpiryAndExpireAwaiting(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", movedSMS, "")

	// valid at the exact expiry instant
	*env.Clock = env.Clock.Add(72 * time.Hour)
	v, err := env.Engine.ValidateToken(env.Ctx, in.Token.Token)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	rep, err := env.Engine.ExpireAwaiting(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Cancelled)

	*env.Clock = env.Clock.Add(time.Second)
	_, err = env.Engine.RedeemToken(env.Ctx, in.Token.Token, nil)
	var ti domain.TokenInvalidError
	require.True(t, errors.As(err, &ti))
	assert.Equal(t, domain.TokenExpired, ti.Reason)

	rep, err = env.Engine.ExpireAwaiting(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{in.Task.ID}, rep.Cancelled)
	task, err := env.Engine.GetTask(env.Ctx, env.Scope, in.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	last := env.history(t, in.Task.ID)
	assert.Equal(t, "tokenExpired", last[len(last)-1].Details["event"])
	assert.Nil(t, last[len(last)-1].UserID)

	rep, err = env.Engine.ExpireAwaiting(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Cancelled)
}

func TestCancelRevokesLink(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", movedSMS, "")
	out, err := env.Engine.Cancel(env.Ctx, env.Scope, in.Task.ID, env.Manager, map[string]any{"reason": "phoned instead"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Action.Details["tokens_revoked"])

	v, err := env.Engine.ValidateToken(env.Ctx, in.Token.Token)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, domain.TokenExpired, v.Reason)
}

func TestRequireMemberActionIssuesLink(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", "Can I change my wine preferences for the next shipment?", "")
	require.Equal(t, domain.StatusPendingReview, in.Task.Status)

	out, err := env.Engine.RequireMemberAction(env.Ctx, env.Scope, in.Task.ID, env.Manager, domain.TokenPreferenceUpdate)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingMemberAction, out.Task.Status)
	assert.Equal(t, domain.ActionMemberActionRequested, out.Action.ActionType)
	secret := secretFromReply(t, out.Task.SuggestedReplyBody)
	v, err := env.Engine.ValidateToken(env.Ctx, secret)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, domain.TokenPreferenceUpdate, v.Token.Type)

	red, err := env.Engine.RedeemToken(env.Ctx, secret, map[string]any{"varietals": "red only"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, red.Task.Status)
	assert.Equal(t, "red only", red.Task.Payload["varietals"])
}

func TestRequireMemberActionNeedsMember(t *testing.T) {
	env := newTestEnv(t)
	task := env.manual(t)
	_, err := env.Engine.RequireMemberAction(env.Ctx, env.Scope, task.ID, env.Manager, domain.TokenAddressChange)
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve), "%v", err)
	assert.Len(t, env.history(t, task.ID), 1)
}

func TestUpdatePayloadMergesAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	task := env.manual(t)
	out, err := env.Engine.UpdatePayload(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"a": "1", "b": "2"}, 0)
	require.NoError(t, err)
	out, err = env.Engine.UpdatePayload(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"a": nil, "c": "3"}, out.Task.Version)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": "2", "c": "3"}, out.Task.Payload)
	assert.Equal(t, domain.ActionUpdatedPayload, out.Action.ActionType)
	assert.Equal(t, 3, out.Task.Version)

	_, err = env.Engine.UpdatePayload(env.Ctx, env.Scope, task.ID, env.Manager, map[string]any{"d": "4"}, 2)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestAssignAndNotes(t *testing.T) {
	env := newTestEnv(t)
	task := env.manual(t)
	out, err := env.Engine.Assign(env.Ctx, env.Scope, task.ID, env.Manager, env.Manager)
	require.NoError(t, err)
	require.NotNil(t, out.Task.AssigneeID)
	assert.Equal(t, *env.Manager, *out.Task.AssigneeID)

	ghost := "ghost"
	_, err = env.Engine.Assign(env.Ctx, env.Scope, task.ID, env.Manager, &ghost)
	var ve domain.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.Reject(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	note, err := env.Engine.AddNote(env.Ctx, env.Scope, task.ID, env.Manager, "member called back")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoteAdded, note.ActionType)
	_, err = env.Engine.AddNote(env.Ctx, env.Scope, task.ID, env.Manager, "  ")
	assert.True(t, errors.As(err, &ve))
}

func TestLinkParentRefusesCyclesAndDepth(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.manual(t), env.manual(t)
	_, err := env.Engine.LinkParent(env.Ctx, env.Scope, b.ID, env.Manager, &a.ID)
	require.NoError(t, err)

	var ve domain.ValidationError
	_, err = env.Engine.LinkParent(env.Ctx, env.Scope, a.ID, env.Manager, &b.ID)
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, err.Error(), "cycle")
	_, err = env.Engine.LinkParent(env.Ctx, env.Scope, a.ID, env.Manager, &a.ID)
	assert.True(t, errors.As(err, &ve))

	chain := []domain.Task{a, b}
	for len(chain) < engine.MaxParentDepth {
		next := env.manual(t)
		_, err := env.Engine.LinkParent(env.Ctx, env.Scope, next.ID, env.Manager, &chain[len(chain)-1].ID)
		require.NoError(t, err, "depth %d", len(chain))
		chain = append(chain, next)
	}
	extra := env.manual(t)
	_, err = env.Engine.LinkParent(env.Ctx, env.Scope, extra.ID, env.Manager, &chain[len(chain)-1].ID)
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, err.Error(), "too deep")

	build := func(n int) []domain.Task {
		c := []domain.Task{env.manual(t)}
		for len(c) < n {
			next := env.manual(t)
			_, err := env.Engine.LinkParent(env.Ctx, env.Scope, next.ID, env.Manager, &c[len(c)-1].ID)
			require.NoError(t, err)
			c = append(c, next)
		}
		return c
	}
	top, bottom := build(10), build(10)
	_, err = env.Engine.LinkParent(env.Ctx, env.Scope, bottom[0].ID, env.Manager, &top[9].ID)
	require.True(t, errors.As(err, &ve), "joining two chains of 10: %v", err)
	assert.Contains(t, err.Error(), "too deep")
	got, err := env.Engine.GetTask(env.Ctx, env.Scope, bottom[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentTaskID)

	left, right := build(8), build(8)
	_, err = env.Engine.LinkParent(env.Ctx, env.Scope, right[0].ID, env.Manager, &left[7].ID)
	require.NoError(t, err, "two chains of 8 fit exactly")

	out, err := env.Engine.LinkParent(env.Ctx, env.Scope, b.ID, env.Manager, nil)
	require.NoError(t, err)
	assert.Nil(t, out.Task.ParentTaskID)
	assert.Equal(t, a.ID, out.Action.Details["previous"])
}

func TestManualTasks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateManualTask(env.Ctx, env.Scope, env.Manager, engine.ManualTask{
		Category: domain.CategoryBooking, SubType: "WEDDING",
	})
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve))

	out, err := env.Engine.CreateManualTask(env.Ctx, env.Scope, env.Manager, engine.ManualTask{
		Category: domain.CategoryBooking, SubType: "TOUR", MemberID: env.Member.ID, Note: "walk-in request",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, out.Task.Status)
	assert.Equal(t, domain.ActionManualCreated, out.Action.ActionType)
	assert.Equal(t, *env.Manager, *out.Task.CreatedBy)

	high := domain.PriorityHigh
	body := "Your tour is booked for Saturday."
	upd, err := env.Engine.UpdateManual(env.Ctx, env.Scope, out.Task.ID, env.Manager, engine.ManualUpdate{
		Priority: &high, SuggestedReplyBody: &body,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, upd.Task.Priority)
	assert.Equal(t, body, upd.Task.SuggestedReplyBody)
	assert.Equal(t, domain.ActionManualUpdate, upd.Action.ActionType)

	_, err = env.Engine.UpdateManual(env.Ctx, env.Scope, out.Task.ID, env.Manager, engine.ManualUpdate{Priority: &high})
	assert.True(t, errors.As(err, &ve), "no-op update is refused")
}

func TestPermissions(t *testing.T) {
	env := newTestEnv(t)
	bot, err := env.Engine.AddStaffUser(env.Ctx, env.Scope, env.Manager, domain.StaffUser{Name: "crm-sync", Role: auth.RoleIntegration})
	require.NoError(t, err)
	task := env.manual(t)

	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, &bot.ID, nil)
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, auth.PermTaskDecide, fe.Permission)

	stranger := "nobody"
	_, err = env.Engine.Cancel(env.Ctx, env.Scope, task.ID, &stranger, nil)
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	out, err := env.Engine.Execute(env.Ctx, env.Scope, task.ID, &bot.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, out.Task.Status)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, env.Scope, &bot.ID, bot.ID, "sync")
	assert.True(t, errors.As(err, &fe))
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, env.Scope, env.Manager, bot.ID, "sync")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "cl_"))
	assert.NotContains(t, key.KeyHash, raw)
}

type fakeExecutor struct {
	err   error
	calls int
}

func (f *fakeExecutor) Execute(_ context.Context, task domain.Task) (map[string]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"crm_ref": "C-" + task.ID[:4]}, nil
}

func TestTriggerExecutionRunsExecutor(t *testing.T) {
	env := newTestEnv(t)
	exec := &fakeExecutor{}
	env.Engine.Executor = exec
	task := env.manual(t)
	_, err := env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)

	out, err := env.Engine.TriggerExecution(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, domain.StatusExecuted, out.Task.Status)
	assert.Nil(t, out.Action.UserID)

	h := env.history(t, task.ID)
	assert.Equal(t, domain.ActionExecutionTriggered, h[len(h)-2].ActionType)
	assert.Equal(t, domain.ActionExecuted, h[len(h)-1].ActionType)
}

func TestTriggerExecutionFailureKeepsApproved(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = &fakeExecutor{err: errors.New("crm timeout")}
	task := env.manual(t)
	_, err := env.Engine.Approve(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)

	out, err := env.Engine.TriggerExecution(env.Ctx, env.Scope, task.ID, env.Manager, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, out.Task.Status)
	assert.Equal(t, domain.ActionNoteAdded, out.Action.ActionType)
	assert.Equal(t, true, out.Action.Details["execution_failed"])
}

func TestApproveCarriesReplyForDispatch(t *testing.T) {
	env := newTestEnv(t)
	in := env.ingest(t, "+61400111222", "What time do you open on Sunday?", "")
	out, err := env.Engine.Approve(env.Ctx, env.Scope, in.Task.ID, env.Manager, nil)
	require.NoError(t, err)
	reply, ok := out.Action.Details["reply"].(map[string]any)
	require.True(t, ok, "%v", out.Action.Details)
	assert.Equal(t, "sms", reply["channel"])
	assert.Equal(t, "+61400111222", reply["to"])
}

func TestStaffRolesAndMemberContact(t *testing.T) {
	env := newTestEnv(t)
	bot, err := env.Engine.AddStaffUser(env.Ctx, env.Scope, env.Manager, domain.StaffUser{Name: "crm-sync", Role: auth.RoleIntegration})
	require.NoError(t, err)

	users, err := env.Engine.ListStaff(env.Ctx, env.Scope, env.Manager)
	require.NoError(t, err)
	assert.Len(t, users, 2)
	_, err = env.Engine.ListStaff(env.Ctx, env.Scope, &bot.ID)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	assert.Error(t, env.Engine.SetStaffRole(env.Ctx, env.Scope, env.Manager, bot.ID, "owner"))
	err = env.Engine.SetStaffRole(env.Ctx, env.Scope, env.Manager, "nobody", auth.RoleStaff)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, env.Engine.SetStaffRole(env.Ctx, env.Scope, env.Manager, bot.ID, auth.RoleStaff))
	task := env.manual(t)
	_, err = env.Engine.Approve(env.Ctx, env.Scope, task.ID, &bot.ID, nil)
	require.NoError(t, err)

	_, err = env.Engine.UpdateMemberContact(env.Ctx, env.Scope, env.Manager, env.Member.ID, nil, nil)
	assert.Error(t, err)
	phone := "+61 400 999 888"
	m, err := env.Engine.UpdateMemberContact(env.Ctx, env.Scope, env.Manager, env.Member.ID, nil, &phone)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", m.Email)

	out := env.ingest(t, "+61400999888", "Can I change my next shipment date?", "SM-new-phone")
	require.NotNil(t, out.Task.MemberID)
	assert.Equal(t, env.Member.ID, *out.Task.MemberID)

	msg, err := env.Engine.GetMessage(env.Ctx, env.Scope, env.Manager, out.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "SM-new-phone", msg.ExternalID)
	_, err = env.Engine.GetMessage(env.Ctx, tenant.Scope{WineryID: "w2"}, nil, out.Message.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
