package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorIsMatchesSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"unauthenticated", Unauthenticated("resolve", nil), ErrUnauthenticated},
		{"unauthorized", Unauthorized("checkout", "premium", "upgrade required"), ErrUnauthorized},
		{"validation", Validation("signup", "email", "invalid email"), ErrInvalidInput},
		{"not found", NotFound("update_task", "task"), ErrNotFound},
		{"upstream", Upstream("post_message", errors.New("boom")), ErrUpstream},
		{"configuration", Configuration("load_config", "missing secret"), ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.target)
			assert.NotErrorIs(t, wrapped, ErrInternalError)
		})
	}
}

func TestAppErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Upstream("open_connection", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryableError(err))
	assert.False(t, IsRetryableError(NotFound("get_task", "task")))
	assert.False(t, IsRetryableError(cause))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorType]int{
		ErrorTypeUnauthenticated: http.StatusUnauthorized,
		ErrorTypeUnauthorized:    http.StatusForbidden,
		ErrorTypeValidation:      http.StatusBadRequest,
		ErrorTypeNotFound:        http.StatusNotFound,
		ErrorTypeUpstream:        http.StatusBadGateway,
		ErrorTypeConfiguration:   http.StatusInternalServerError,
	}
	for typ, want := range cases {
		assert.Equal(t, want, (&AppError{Type: typ}).HTTPStatus(), typ)
	}
}

func TestErrorMessageIncludesField(t *testing.T) {
	err := Validation("signup", "email", "invalid email address")
	assert.Equal(t, "signup failed: email: invalid email address", err.Error())

	var appErr *AppError
	require.True(t, As(err, &appErr))
	assert.Equal(t, "email", appErr.Field)
	assert.Equal(t, ErrorTypeValidation, TypeOf(err))
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("plain")))
}
