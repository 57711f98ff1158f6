package apperr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedError(t *testing.T) {
	err := errors.Wrap(Conflict("email_taken", "email already registered"), "register")

	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, Is(err, KindConflict))

	classified, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "email_taken", classified.Code)
	assert.Equal(t, http.StatusConflict, classified.Status())
}

func TestKindOfUnclassifiedError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestStatusMapping(t *testing.T) {
	cases := map[*Error]int{
		Validation("", "bad"):        http.StatusBadRequest,
		Unauthenticated("no token"):  http.StatusUnauthorized,
		Forbidden("nope"):            http.StatusForbidden,
		NotFound("", "missing"):      http.StatusNotFound,
		Gone("", "expired"):          http.StatusGone,
		Conflict("", "dup"):          http.StatusConflict,
		Configuration("no secret"):   http.StatusInternalServerError,
		Transient(nil, "smtp down"):  http.StatusInternalServerError,
		ValidationFields(nil):        http.StatusBadRequest,
	}
	for err, status := range cases {
		assert.Equal(t, status, err.Status(), err.Error())
	}
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Transient(cause, "send invitation email")

	assert.Equal(t, cause, errors.Cause(errors.Unwrap(err)))
	assert.Contains(t, err.Error(), "dial tcp: timeout")
}
