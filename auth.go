package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type AuthManager struct {
	db       *Database
	secret   []byte
	tokenTTL time.Duration
}

type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Session is the authenticated identity attached to requests and socket
// connections after token verification.
type Session struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

func NewAuthManager(db *Database, secret string, tokenTTL time.Duration) *AuthManager {
	return &AuthManager{
		db:       db,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

func (am *AuthManager) IssueToken(user *User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(am.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(am.secret)
}

func (am *AuthManager) VerifyToken(tokenString string) (*Session, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, chatErrorf(CodeAuthFailed, "unexpected signing method %v", t.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrAuthFailed
	}

	// The user may have been deleted after the token was minted.
	if _, err := am.db.GetUserByID(claims.UserID); err != nil {
		return nil, ErrAuthFailed
	}

	return &Session{UserID: claims.UserID, Username: claims.Username}, nil
}

func (am *AuthManager) ExtractToken(r *http.Request) string {
	// Check Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Websocket clients can't set headers from browsers, so allow a query param.
	return r.URL.Query().Get("token")
}

func (am *AuthManager) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := am.ExtractToken(r)
		if token == "" {
			respondError(w, "missing authorization token", http.StatusUnauthorized)
			return
		}

		session, err := am.VerifyToken(token)
		if err != nil {
			respondError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		// Add session to request context
		r = r.WithContext(contextWithSession(r.Context(), session))
		next(w, r)
	}
}

// Context helpers
type contextKey string

const sessionKey contextKey = "session"

func contextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func sessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionKey).(*Session); ok {
		return session
	}
	return nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func respondChatError(w http.ResponseWriter, err error) {
	ce := asChatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": ce.Message, "code": ce.Code})
}
