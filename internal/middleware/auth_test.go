package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorystorage "github.com/parishhub/portal/internal/storage/memory"
)

func authedHandler(t *testing.T, gotUser *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotUser = GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthBearerToken(t *testing.T) {
	sessions := memorystorage.New()
	require.NoError(t, sessions.SetSession(context.Background(), "tok-1", "user-1", time.Hour))

	var gotUser string
	h := Auth(sessions)(authedHandler(t, &gotUser))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUser)
}

func TestAuthQueryToken(t *testing.T) {
	sessions := memorystorage.New()
	require.NoError(t, sessions.SetSession(context.Background(), "tok-1", "user-1", time.Hour))

	var gotUser string
	h := Auth(sessions)(authedHandler(t, &gotUser))

	// The stream endpoint authenticates via query parameter.
	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUser)
}

func TestAuthRejectsMissingAndUnknownTokens(t *testing.T) {
	sessions := memorystorage.New()

	var gotUser string
	h := Auth(sessions)(authedHandler(t, &gotUser))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, gotUser)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/x", nil)
		req = req.WithContext(WithUserID(req.Context(), "user-1"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/x", nil)
	req = req.WithContext(WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another user has their own bucket.
	req = httptest.NewRequest(http.MethodPost, "/api/x", nil)
	req = req.WithContext(WithUserID(req.Context(), "user-2"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
