package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareSetsRequestID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestContextLoggerIsReused(t *testing.T) {
	ctx, first := ContextWithLogger(context.Background())
	_, second := ContextWithLogger(ctx)
	assert.Same(t, first, second)

	ctx, withID := WithIdentity(ctx, "mia@example.com")
	assert.Equal(t, "mia@example.com", withID.Data[identityField])
	assert.Equal(t, RequestIDFromContext(ctx), withID.Data[requestIDField])
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init("chatty"))
	assert.NoError(t, Init("debug"))
	assert.NoError(t, Init(""))
}
