package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsTransient(Transientf("engine busy")))
	assert.True(t, IsPermanent(Permanentf("bad image")))
	assert.True(t, IsConflict(Conflictf("stale version")))
	assert.True(t, IsNotFound(NotFoundf("no such instance")))

	assert.False(t, IsPermanent(Transientf("engine busy")))
	assert.False(t, IsTransient(nil))
}

func TestUnclassifiedDefaultsToTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("socket hiccup")))
}

func TestContextErrorsAreTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("call failed: %w", context.Canceled)))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("pulling image: %w", Permanentf("manifest unknown"))
	assert.True(t, IsPermanent(err))

	err = fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NotFoundf("gone")))
	assert.True(t, IsNotFound(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Transientf("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(Permanentf("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflictf("x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFoundf("x")))
}

func TestFromHTTPStatusRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindTransient, KindPermanent, KindConflict, KindNotFound} {
		err := New(kind, errors.New("boom"))
		rebuilt := FromHTTPStatus(HTTPStatus(err), errors.New("boom"))
		assert.Equal(t, kind, KindOf(rebuilt), "kind %s must survive the HTTP round trip", kind)
	}
}

func TestErrorMessagePreserved(t *testing.T) {
	err := Transientf("engine busy: %d in flight", 3)
	assert.Equal(t, "engine busy: 3 in flight", err.Error())
}
