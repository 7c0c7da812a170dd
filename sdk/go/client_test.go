package cellarlinesdk

import (
	"context"
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
	"cellarline/internal/migrate"
	"cellarline/internal/server"
	"cellarline/internal/tenant"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn)
	e.PublicBaseURL = "https://cellar.example"
	ctx := context.Background()
	_, err = e.CreateWinery(ctx, domain.Winery{ID: "w1", Name: "Oak Street Cellars"}, nil)
	require.NoError(t, err)
	scope := tenant.Scope{WineryID: "w1"}
	_, err = e.AddMember(ctx, scope, nil, domain.Member{FirstName: "Jane", Phone: "+61400111222"})
	require.NoError(t, err)
	mgr, err := e.AddStaffUser(ctx, scope, nil, domain.StaffUser{Name: "Ada", Role: auth.RoleManager})
	require.NoError(t, err)

	authCfg := server.AuthConfig{JWTSecret: "sdk-secret"}
	h, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: authCfg})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	tok, err := server.IssueJWT(authCfg, mgr.ID, "w1", time.Hour, time.Now())
	require.NoError(t, err)
	c := New(srv.URL+"/v1", "w1")
	c.BearerToken = tok
	return c
}

func TestAddressChangeRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	in, err := c.IngestMessage(ctx, Message{
		Source: "sms", From: "+61400111222", ExternalID: "SM1",
		Body: "Hi, I've moved. Please update my address to 12 Oak Street, Stirling 5152.",
	})
	require.NoError(t, err)
	assert.Equal(t, "AWAITING_MEMBER_ACTION", in.Task.Status)
	_, rest, ok := strings.Cut(in.Reply, "https://cellar.example/m/")
	require.True(t, ok, in.Reply)
	secret := strings.Fields(rest)[0]

	member := New(c.BaseURL, "")
	view, err := member.MemberAction(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "ADDRESS_CHANGE", view.Type)
	require.NoError(t, member.RedeemMemberAction(ctx, secret, map[string]any{"new_address": "12 Oak Street, Stirling SA 5152"}))
	err = member.RedeemMemberAction(ctx, secret, map[string]any{"new_address": "again"})
	assert.True(t, LinkInvalid(err), "second use: %v", err)

	res, err := c.Approve(ctx, in.Task.ID, "address verified")
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res.Task.Status)
	assert.Equal(t, "APPROVED", res.LatestAction.ActionType)

	_, err = c.Approve(ctx, in.Task.ID, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	hist, err := c.History(ctx, in.Task.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "CREATED", hist[0].ActionType)

	page, err := c.ListTasks(ctx, TaskFilter{Status: "APPROVED"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, in.Task.ID, page.Items[0].ID)
}

func TestUnauthenticatedClient(t *testing.T) {
	c := newClient(t)
	c.BearerToken = ""
	_, err := c.ListTasks(context.Background(), TaskFilter{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
