package principal

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	SessionName = "taskgate-session"

	isAuthKey   = "is_authenticated"
	subjectKey  = "subject"
	emailKey    = "email"
	nameKey     = "name"
	oauthState  = "oauth_state"
	minKeyBytes = 32
)

// PlatformIdentity is what the platform session stores about a user.
type PlatformIdentity struct {
	Subject string
	Email   string
	Name    string
}

// Principal converts the identity into a platform principal. Platform users
// get the platform default tier regardless of purchases; the access policy
// raises it further only through an active subscription.
func (id PlatformIdentity) Principal() Principal {
	return Principal{
		SubjectID:   id.Subject,
		SubjectType: tiers.SubjectPlatform,
		Tier:        tiers.DefaultTier(tiers.SubjectPlatform),
		Email:       id.Email,
		Name:        id.Name,
		AuthType:    AuthPlatform,
	}
}

// SessionStore keeps the platform identity in a signed cookie.
type SessionStore struct {
	store *sessions.CookieStore
}

// NewSessionStore creates a cookie store keyed by key. secure selects
// Secure + SameSite=None cookies; otherwise Lax for local http.
func NewSessionStore(key string, secure bool) (*SessionStore, error) {
	if key == "" {
		return nil, errors.New("session key is empty")
	}
	if len(key) < minKeyBytes {
		log.Warn().Int("length", len(key)).Msg("Session key is short; 32+ chars recommended")
	}
	store := sessions.NewCookieStore([]byte(key))
	opts := &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 3600,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if secure {
		opts.SameSite = http.SameSiteNoneMode
	}
	store.Options = opts
	return &SessionStore{store: store}, nil
}

// Lookup returns the identity held by the request's session, if any.
func (s *SessionStore) Lookup(r *http.Request) (PlatformIdentity, bool) {
	if s == nil {
		return PlatformIdentity{}, false
	}
	sess, err := s.store.Get(r, SessionName)
	if err != nil {
		return PlatformIdentity{}, false
	}
	if ok, _ := sess.Values[isAuthKey].(bool); !ok {
		return PlatformIdentity{}, false
	}
	id := PlatformIdentity{
		Subject: getString(sess, subjectKey),
		Email:   getString(sess, emailKey),
		Name:    getString(sess, nameKey),
	}
	if id.Subject == "" {
		return PlatformIdentity{}, false
	}
	return id, true
}

// Save stores id in the session cookie.
func (s *SessionStore) Save(w http.ResponseWriter, r *http.Request, id PlatformIdentity) error {
	sess, _ := s.store.Get(r, SessionName)
	sess.Values[isAuthKey] = true
	sess.Values[subjectKey] = id.Subject
	sess.Values[emailKey] = id.Email
	sess.Values[nameKey] = id.Name
	delete(sess.Values, oauthState)
	return sess.Save(r, w)
}

// Clear expires the session cookie.
func (s *SessionStore) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.store.Get(r, SessionName)
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

func (s *SessionStore) setState(w http.ResponseWriter, r *http.Request, state string) error {
	sess, _ := s.store.Get(r, SessionName)
	sess.Values[oauthState] = state
	return sess.Save(r, w)
}

func (s *SessionStore) takeState(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, _ := s.store.Get(r, SessionName)
	state := getString(sess, oauthState)
	delete(sess.Values, oauthState)
	return state, sess.Save(r, w)
}

func getString(s *sessions.Session, key string) string {
	if v, ok := s.Values[key].(string); ok {
		return v
	}
	return ""
}
