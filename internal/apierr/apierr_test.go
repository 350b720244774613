package apierr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_FormatsMessageOnlyWithArgs(t *testing.T) {
	e := New(http.StatusBadRequest, TypeInvalidRequest, "bad_code", "missing field %s", "model")
	assert.Equal(t, "missing field model", e.Message)
	assert.Equal(t, "bad_code", e.Code)
	assert.Equal(t, TypeInvalidRequest, e.ErrType)

	plain := New(http.StatusBadRequest, TypeInvalidRequest, "", "literal message")
	assert.Equal(t, "literal message", plain.Message)
}

func TestWrap_PassesThroughExistingAPIError(t *testing.T) {
	inner := InvalidRequest("bad input")
	assert.Same(t, inner, Wrap(inner))
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestWrap_GenericErrorBecomes500(t *testing.T) {
	e := Wrap(assertErr{"boom"})
	assert.Equal(t, http.StatusInternalServerError, e.StatusCode)
	assert.Equal(t, TypeGeneric, e.ErrType)
	assert.Equal(t, "boom", e.Message)
}

func TestQuotaExceeded_Uses402NotRateLimitType(t *testing.T) {
	e := QuotaExceeded("no quota remaining")
	assert.Equal(t, http.StatusPaymentRequired, e.StatusCode)
	assert.NotEqual(t, TypeRateLimit, e.ErrType)
}

func TestToEnvelope_NestsUnderErrorKey(t *testing.T) {
	e := QueueFull()
	env := e.ToEnvelope()
	assert.Equal(t, "queue_full", string(env.Error.ErrType))
	assert.Equal(t, "queue_full", env.Error.Code)
}

func TestIsRateLimitHeaderPrefix(t *testing.T) {
	assert.True(t, IsRateLimitHeaderPrefix("x-ratelimit-remaining"))
	assert.True(t, IsRateLimitHeaderPrefix("X-RateLimit-Reset"))
	assert.False(t, IsRateLimitHeaderPrefix("x-request-id"))
	assert.False(t, IsRateLimitHeaderPrefix("x-rate"))
}

func TestError_NilReceiverSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
