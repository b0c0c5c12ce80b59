package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) (*AuthManager, *User) {
	t.Helper()

	db, err := NewDatabase(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, db.CreateTables())
	t.Cleanup(func() { db.Close() })

	user, err := db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)

	return NewAuthManager(db, "test-secret", time.Hour), user
}

func TestTokenRoundTrip(t *testing.T) {
	auth, user := newTestAuth(t)

	token, err := auth.IssueToken(user)
	require.NoError(t, err)

	session, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
	assert.Equal(t, "alice", session.Username)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	auth, _ := newTestAuth(t)

	_, err := auth.VerifyToken("not-a-token")
	assertCode(t, err, CodeAuthFailed)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	auth, user := newTestAuth(t)
	other := NewAuthManager(auth.db, "different-secret", time.Hour)

	token, err := other.IssueToken(user)
	require.NoError(t, err)

	_, err = auth.VerifyToken(token)
	assertCode(t, err, CodeAuthFailed)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, db.CreateTables())
	defer db.Close()

	user, err := db.CreateUser("bob", "Bob", "hunter2hunter2")
	require.NoError(t, err)

	auth := NewAuthManager(db, "test-secret", -time.Minute)
	token, err := auth.IssueToken(user)
	require.NoError(t, err)

	_, err = auth.VerifyToken(token)
	assertCode(t, err, CodeAuthFailed)
}

func TestRequireAuthMiddleware(t *testing.T) {
	auth, user := newTestAuth(t)

	var gotSession *Session
	handler := auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotSession = sessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	// No token.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer token.
	token, err := auth.IssueToken(user)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, gotSession)
	assert.Equal(t, user.ID, gotSession.UserID)

	// Token as query parameter, for websocket clients.
	gotSession = nil
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/api/auth/me?token="+token, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, gotSession)
}

func TestAuthenticateUser(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, db.CreateTables())
	defer db.Close()

	_, err = db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)

	user, err := db.AuthenticateUser("alice", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = db.AuthenticateUser("alice", "wrong-password")
	assert.Error(t, err)

	_, err = db.AuthenticateUser("nobody", "hunter2hunter2")
	assert.Error(t, err)
}
