package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/appt-scheduler/internal/auth"
	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *auth.Store {
	return auth.NewStore(auth.NewMemUsers(), securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
}

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	id, err := s.CreateUser(ctx, "ana", "correct horse")
	require.NoError(t, err)
	require.Positive(t, id)

	_, err = s.CreateUser(ctx, "ana", "another password")
	require.ErrorIs(t, err, auth.ErrUserExists)
	_, err = s.CreateUser(ctx, "bo", "short")
	require.Error(t, err)

	got, err := s.Authenticate(ctx, " ana ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.Authenticate(ctx, "ana", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRequireAuth(t *testing.T) {
	s := newStore()
	var seen int64
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")

	login := httptest.NewRecorder()
	require.NoError(t, s.SetSession(login, httptest.NewRequest(http.MethodPost, "/login", nil), 7))
	cookies := login.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(7), seen)

	tampered := *cookies[0]
	tampered.Value = "x" + tampered.Value
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.AddCookie(&tampered)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
