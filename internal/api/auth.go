package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"agentmarket/internal/store"
)

type ctxKey int

const tokenNameKey ctxKey = iota

// adminTokenName is reported for requests made with the configured admin token
const adminTokenName = "admin"

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) isAdmin(token string) bool {
	return s.adminToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// authenticate resolves a bearer token to the name it was issued under
func (s *Server) authenticate(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	if s.isAdmin(token) {
		return adminTokenName, true
	}
	if s.store == nil {
		return "", false
	}
	name, err := s.store.VerifyToken(token)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidToken) {
			s.log.Warn("token verification failed", zap.Error(err))
		}
		return "", false
	}
	return name, true
}

// requireToken rejects requests without a valid API or admin token
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := s.authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenNameKey, name)))
	})
}

// requireAdmin rejects requests without the admin token
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdmin(bearerToken(r)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenName returns the authenticated token name stored by requireToken
func tokenName(r *http.Request) string {
	name, _ := r.Context().Value(tokenNameKey).(string)
	return name
}

type TokenRequest struct {
	Name string `json:"name"`
}

type TokenResponse struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Name) < 3 || len(req.Name) > 32 {
		http.Error(w, "name must be 3-32 characters", http.StatusBadRequest)
		return
	}
	if req.Name == adminTokenName {
		http.Error(w, "name is reserved", http.StatusBadRequest)
		return
	}
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusServiceUnavailable)
		return
	}

	secret, err := s.store.CreateToken(req.Name)
	if err == store.ErrTokenExists {
		http.Error(w, "name already taken", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, TokenResponse{Name: req.Name, Token: secret})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.RevokeToken(chiParam(r, "name")); err != nil {
		http.Error(w, "failed to revoke token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
