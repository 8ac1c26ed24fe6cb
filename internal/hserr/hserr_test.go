package hserr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborhs/homeserver/internal/hserr"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, hserr.HTTPStatus(hserr.Forbidden("nope")))
	assert.Equal(t, http.StatusNotFound, hserr.HTTPStatus(hserr.NotFound("gone")))
	assert.Equal(t, http.StatusBadRequest, hserr.HTTPStatus(hserr.BadJSON("bad")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, hserr.HTTPStatus(hserr.TooLarge("big")))
	assert.Equal(t, http.StatusInternalServerError, hserr.HTTPStatus(hserr.Database(nil, "oops")))
}

func TestErrcodeMapping(t *testing.T) {
	assert.Equal(t, "M_FORBIDDEN", hserr.Errcode(hserr.Forbidden("x")))
	assert.Equal(t, "M_NOT_FOUND", hserr.Errcode(hserr.NotFound("x")))
	assert.Equal(t, "M_UNKNOWN", hserr.Errcode(hserr.Database(nil, "x")))
}

func TestAsUnwraps(t *testing.T) {
	base := hserr.Forbidden("denied by acl")
	wrapped := errors.New("wrapper") // not an hserr, should fail
	var target *hserr.Error
	assert.False(t, hserr.As(wrapped, &target))

	var target2 *hserr.Error
	require.True(t, hserr.As(base, &target2))
	assert.Equal(t, hserr.CategoryRequest, target2.Category)
}

func TestRetryableOnlyForDatabase(t *testing.T) {
	assert.True(t, hserr.Retryable(hserr.Database(nil, "kv write failed")))
	assert.False(t, hserr.Retryable(hserr.Forbidden("denied")))
}
