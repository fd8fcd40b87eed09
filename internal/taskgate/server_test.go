package taskgate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	testAdminUser     = "ops"
	testAdminPassword = "correct horse"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *store.Store
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	return &Config{
		BaseURL:           "https://tasks.example.test",
		DBDriver:          "sqlite",
		TokenSecret:       "server-test-token-secret",
		SessionSecret:     "server-test-session-secret",
		AdminUser:         testAdminUser,
		AdminPasswordHash: hash,
		Timezone:          time.UTC,
		SlackReportHour:   9,
		SignupRateLimit:   100,
		WebhookRateLimit:  100,
		CRMQueueSize:      64,
	}
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions, err := NewSessionStore(cfg)
	require.NoError(t, err)
	srv, err := NewServer(cfg, sessions, Deps{Store: st, Logger: zerolog.New(zerolog.NewTestWriter(t))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return &testEnv{srv: srv, handler: srv.Handler(), store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) signup(t *testing.T, name, email string) signupResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/demo/signup", "", map[string]any{"name": name, "email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[signupResponse](t, rec)
}

func TestSignupThenCreateTask(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	signup := env.signup(t, "Ava", "ava@x.com")
	require.NotEmpty(t, signup.Token)
	assert.True(t, signup.Created)
	assert.Equal(t, tiers.TierBeta, signup.User.Tier)

	rec := env.do(t, http.MethodPost, "/api/tasks", signup.Token, map[string]any{"title": "Book venue"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var task map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "Book venue", task["title"])
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, "medium", task["priority"])
	assert.Equal(t, signup.User.ID, task["assigneeExternalId"])
	v, ok := task["completedAt"]
	assert.True(t, ok)
	assert.Nil(t, v)

	list := env.do(t, http.MethodGet, "/api/tasks", signup.Token, nil)
	require.Equal(t, http.StatusOK, list.Code)
	tasks := decode[[]store.Task](t, list)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Book venue", tasks[0].Title)
}

func TestSignupTwiceReusesIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	first := env.signup(t, "Ava", "ava@x.com")
	second := env.signup(t, "Ava Again", "  AVA@x.com ")
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.False(t, second.Created)

	signups, err := env.store.ListSignups(context.Background())
	require.NoError(t, err)
	assert.Len(t, signups, 1)

	rec := env.do(t, http.MethodGet, "/api/demo/signup", second.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]userView](t, rec)
	assert.Equal(t, first.User.ID, body["user"].ID)
	assert.NotNil(t, body["user"].SignupDate)
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	rec := env.do(t, http.MethodPost, "/api/demo/signup", "", map[string]any{"name": "Ava", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "email", body.Field)

	rec = env.do(t, http.MethodPost, "/api/demo/signup", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	rec := env.do(t, http.MethodGet, "/api/tasks", "not.a.token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// freeToken issues a token declaring the free tier, so its subject is
// provisioned on the free plan.
func freeToken(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	token, err := env.srv.tokens.Issue(principal.Claims{SignupID: id, Email: id + "@x.com", Name: "Free User", Tier: string(tiers.TierFree)})
	require.NoError(t, err)
	return token
}

func TestTaskQuotaRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	token := freeToken(t, env, "free-1")
	limit := tiers.PlanFor(tiers.TierFree).MaxTasks

	for range limit {
		rec := env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "Task", "priority": "low"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "One too many"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "upgrade_required", body.Error)
	assert.Equal(t, string(tiers.TierBasic), body.RequiredTier)

	n, err := env.store.CountTasksByAssignee(context.Background(), "free-1")
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestAIGeneratedTaskNeedsPremium(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	token := freeToken(t, env, "free-2")

	rec := env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "Drafted", "isAiGenerated": true})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(tiers.TierPremium), decode[errorResponse](t, rec).RequiredTier)

	beta := env.signup(t, "Bea", "bea@x.com")
	rec = env.do(t, http.MethodPost, "/api/tasks", beta.Token, map[string]any{"title": "Drafted", "isAiGenerated": true, "originalPrompt": "plan a launch"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUpdateAndDeleteAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	owner := env.signup(t, "Ava", "ava@x.com")
	other := env.signup(t, "Ben", "ben@x.com")

	rec := env.do(t, http.MethodPost, "/api/tasks", owner.Token, map[string]any{"title": "Mine", "dueDate": "2026-05-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), task.DueDate.UTC())

	path := "/api/tasks/" + task.ID
	rec = env.do(t, http.MethodPut, path, other.Token, map[string]any{"title": "Stolen"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, path, other.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, path, owner.Token, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[store.Task](t, rec)
	assert.Equal(t, store.TaskCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "Mine", updated.Title)

	rec = env.do(t, http.MethodPut, path, owner.Token, map[string]any{"dueDate": "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, path, owner.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, path, owner.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReportsBucketsAndUpgradeHint(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	env.srv.now = func() time.Time { return now }
	token := freeToken(t, env, "free-3")

	for _, due := range []string{"2026-03-01", "2026-03-10", "2026-03-12"} {
		rec := env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "Due " + due, "dueDate": due})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[statusResponse](t, rec)
	assert.Equal(t, 3, st.TotalTasks)
	assert.Equal(t, 1, st.OverdueTasks)
	assert.Equal(t, 1, st.DueTodayTasks)
	assert.Equal(t, 1, st.UpcomingTasks)
	assert.Equal(t, tiers.TierFree, st.Tier)
	assert.Equal(t, 10, st.MaxTasks)
	require.NotNil(t, st.Upgrade)
	assert.Equal(t, tiers.TierBasic, st.Upgrade.RequiredTier)
	assert.Contains(t, st.Upgrade.Locked, tiers.CapabilityAIGeneration.Name)

	beta := env.signup(t, "Bea", "bea@x.com")
	rec = env.do(t, http.MethodGet, "/api/status", beta.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[statusResponse](t, rec).Upgrade)
}

func TestCheckoutWithoutStripeIsUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	token := freeToken(t, env, "free-4")

	rec := env.do(t, http.MethodPost, "/api/billing/create-checkout-session", token, map[string]any{"tier": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/billing/create-checkout-session", token, map[string]any{"tier": "premium"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/billing/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "free", st["currentTier"])
}

func adminRequest(method, path, user, password string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	return req
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	for _, tc := range []struct {
		name, user, password string
		want                 int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong password", testAdminUser, "nope", http.StatusUnauthorized},
		{"wrong user", "root", testAdminPassword, http.StatusUnauthorized},
		{"valid", testAdminUser, testAdminPassword, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/crm-summary", tc.user, tc.password))
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	cfg := testConfig(t)
	cfg.AdminPasswordHash = ""
	unconfigured := newTestEnv(t, cfg)
	rec := httptest.NewRecorder()
	unconfigured.handler.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/crm-summary", testAdminUser, testAdminPassword))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExportSignupsCSV(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	env.signup(t, "Ava", "ava@x.com")
	env.signup(t, "Ava", "ava@x.com")
	env.signup(t, "Ben", "ben@x.com")

	// Flush queued CRM writes before reading them back.
	require.NoError(t, env.srv.Close(context.Background()))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/export-csv?type=signups", testAdminUser, testAdminPassword))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "demo_signups.csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Email", rows[0][2])
	emails := []string{rows[1][2], rows[2][2]}
	assert.ElementsMatch(t, []string{"ava@x.com", "ben@x.com"}, emails)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/admin/export-csv?type=tasks", testAdminUser, testAdminPassword))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSandboxTokenOpensDashboard(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sandbox-token", bytes.NewBufferString(`{"slackUserId":"U42","name":"Cy"}`))
	req.SetBasicAuth(testAdminUser, testAdminPassword)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["dashboardUrl"], "https://tasks.example.test/dashboard?token=")

	rec = env.do(t, http.MethodPost, "/api/tasks", body["token"], map[string]any{"title": "From chat", "assigneeName": "Cy Twombly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	assert.Equal(t, "U42", task.AssigneeID)
	assert.Equal(t, "Cy Twombly", task.AssigneeName)

	rec = env.do(t, http.MethodGet, "/api/demo/signup", body["token"], nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (e *testEnv) createTasks(t *testing.T, n int, send func(*http.Request)) {
	t.Helper()
	for i := range n {
		req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString(`{"title":"Task"}`))
		req.Header.Set("Content-Type", "application/json")
		send(req)
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, "task %d: %s", i+1, rec.Body.String())
	}
}

func TestSandboxTokenIsNotCappedAtFreeQuota(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	claims := principal.SandboxClaims("U77", "Dee")
	token, err := env.srv.tokens.Issue(claims)
	require.NoError(t, err)

	n := tiers.PlanFor(tiers.TierFree).MaxTasks + 1
	env.createTasks(t, n, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })

	e, err := env.store.GetEntitlement(context.Background(), "sandbox_U77", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, tiers.Unlimited, e.MaxTasks)
	count, err := env.store.CountTasksByAssignee(context.Background(), "U77")
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestPlatformSessionIsNotCappedAtFreeQuota(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	rec := httptest.NewRecorder()
	require.NoError(t, env.srv.sessions.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		principal.PlatformIdentity{Subject: "platform-9", Email: "p9@example.test", Name: "Pat"}))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	n := tiers.PlanFor(tiers.TierFree).MaxTasks + 1
	env.createTasks(t, n, func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	})

	e, err := env.store.GetEntitlement(context.Background(), "platform-9", tiers.SubjectPlatform)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, tiers.Unlimited, e.MaxTasks)
	assert.True(t, e.Flags.AIGeneration)
}

func TestQuotaWithoutHigherTierIsLimitReached(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	token, err := env.srv.tokens.Issue(principal.SandboxClaims("U99", "Flo"))
	require.NoError(t, err)

	capped := store.EntitlementFromPlan("sandbox_U99", tiers.SubjectTemporary, tiers.PlanFor(tiers.TierBeta))
	capped.MaxTasks = 1
	require.NoError(t, env.store.PutEntitlement(context.Background(), &capped))

	rec := env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "One"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/api/tasks", token, map[string]any{"title": "Two"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "limit_reached", body.Error)
	assert.Empty(t, body.RequiredTier)
}

func TestSandboxTokenMintingProvisionsEntitlement(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sandbox-token", bytes.NewBufferString(`{"slackUserId":"U88","name":"Eve"}`))
	req.SetBasicAuth(testAdminUser, testAdminPassword)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	e, err := env.store.GetEntitlement(context.Background(), "sandbox_U88", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, tiers.Unlimited, e.MaxTasks)
}

func TestPageVisitAndOwnActivity(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	ava := env.signup(t, "Ava", "ava@x.com")

	rec := env.do(t, http.MethodPost, "/api/crm/page-visit", "", map[string]any{"page": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/crm/page-visit", "", map[string]any{"page": "/", "utmSource": "<b>news</b>"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode[map[string]any](t, rec)["id"])

	rec = env.do(t, http.MethodPost, "/api/crm/user-activity", ava.Token, map[string]any{"activityType": "slack_connected", "activityData": map[string]string{"team": "T1"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/crm/user-activity", ava.Token, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		body := decode[map[string][]store.Activity](t, rec)
		return len(body["activities"]) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthEndpointsAndHeaders(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/login", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/slack/commands", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSignupIsRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.SignupRateLimit = 2
	env := newTestEnv(t, cfg)

	env.signup(t, "A", "a@x.com")
	env.signup(t, "B", "b@x.com")
	rec := env.do(t, http.MethodPost, "/api/demo/signup", "", map[string]any{"name": "C", "email": "c@x.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

type stoppedChat struct{ err error }

func (c stoppedChat) Run(context.Context) error { return c.err }

func TestRunChatLogsStopOnInjectedLoggerAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	require.NoError(t, runChat(context.Background(), stoppedChat{err: errors.New("reconnect attempts exhausted")}, logger))
	line := decodeLog(t, &buf)
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Slack socket client stopped", line["message"])
	assert.Equal(t, "reconnect attempts exhausted", line["error"])

	buf.Reset()
	require.NoError(t, runChat(context.Background(), stoppedChat{}, logger))
	assert.Empty(t, buf.String())
}

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	return line
}
