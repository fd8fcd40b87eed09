package principal

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	testIssuer   = "https://id.example.test"
	testClientID = "taskgate-client"
)

func newFakeProvider(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		now := time.Now()
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":         testIssuer,
			"aud":         testClientID,
			"sub":         "platform-user-1",
			"email":       "pat@example.test",
			"given_name":  "Pat",
			"family_name": "Doe",
			"iat":         now.Unix(),
			"exp":         now.Add(time.Hour).Unix(),
		}).SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, key
}

func newTestLogin(t *testing.T) (*OIDCLogin, *SessionStore) {
	t.Helper()
	srv, key := newFakeProvider(t)
	sessions := newTestSessions(t)
	verifier := oidc.NewVerifier(testIssuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: testClientID})
	cfg := oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/api/callback",
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
		Scopes:       []string{oidc.ScopeOpenID, "email"},
	}
	return newOIDCLogin(cfg, verifier, sessions), sessions
}

func startLogin(t *testing.T, login *OIDCLogin) (state string, cookie *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	login.Login(rec, httptest.NewRequest(http.MethodGet, "/api/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state = loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state, lastCookie(t, rec.Result().Cookies(), SessionName)
}

func TestOIDCLogin_CodeFlow(t *testing.T) {
	login, sessions := newTestLogin(t)
	state, cookie := startLogin(t, login)

	r := httptest.NewRequest(http.MethodGet, "/api/callback?code=good-code&state="+url.QueryEscape(state), nil)
	r.AddCookie(cookie)
	rec := httptest.NewRecorder()
	login.Callback(rec, r)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/", rec.Header().Get("Location"))

	after := httptest.NewRequest(http.MethodGet, "/api/auth/user", nil)
	after.AddCookie(lastCookie(t, rec.Result().Cookies(), SessionName))
	id, ok := sessions.Lookup(after)
	require.True(t, ok)
	assert.Equal(t, "platform-user-1", id.Subject)
	assert.Equal(t, "pat@example.test", id.Email)
	assert.Equal(t, "Pat Doe", id.Name)
}

func TestOIDCLogin_ProvisionsOnCallback(t *testing.T) {
	login, _ := newTestLogin(t)
	prov := &fakeProvisioner{}
	login.SetProvisioner(prov)
	state, cookie := startLogin(t, login)

	r := httptest.NewRequest(http.MethodGet, "/api/callback?code=good-code&state="+url.QueryEscape(state), nil)
	r.AddCookie(cookie)
	rec := httptest.NewRecorder()
	login.Callback(rec, r)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	require.Len(t, prov.seen, 1)
	assert.Equal(t, "platform-user-1", prov.seen[0].SubjectID)
	assert.Equal(t, tiers.TierPremium, prov.seen[0].Tier)
}

func TestOIDCLogin_RejectsStateMismatch(t *testing.T) {
	login, _ := newTestLogin(t)
	_, cookie := startLogin(t, login)

	r := httptest.NewRequest(http.MethodGet, "/api/callback?code=good-code&state=forged", nil)
	r.AddCookie(cookie)
	rec := httptest.NewRecorder()
	login.Callback(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOIDCLogin_RejectsBadCode(t *testing.T) {
	login, sessions := newTestLogin(t)
	state, cookie := startLogin(t, login)

	r := httptest.NewRequest(http.MethodGet, "/api/callback?code=bad&state="+url.QueryEscape(state), nil)
	r.AddCookie(cookie)
	rec := httptest.NewRecorder()
	login.Callback(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, ok := sessions.Lookup(r)
	assert.False(t, ok)
}

func TestOIDCConfig_Enabled(t *testing.T) {
	assert.False(t, OIDCConfig{IssuerURL: "x"}.Enabled())
	assert.True(t, OIDCConfig{IssuerURL: "i", ClientID: "c", ClientSecret: "s", RedirectURL: "r"}.Enabled())
}
