package taskgate

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

const adminRealm = `Basic realm="taskgate admin"`

// HashPassword returns the bcrypt hash stored in TASKGATE_ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// requireAdmin checks HTTP Basic credentials against the configured user and
// bcrypt hash. With no hash configured every admin route is unavailable.
func requireAdmin(user, hash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hash == "" {
			writeError(w, r, apperrors.Configuration("admin_auth", "admin access is not configured"))
			return
		}
		u, p, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		if !ok || !userOK || bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", adminRealm)
			writeError(w, r, apperrors.Unauthenticated("admin_auth", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
