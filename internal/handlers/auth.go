package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/gchat/internal/api/middleware"
	"github.com/eldtechnologies/gchat/internal/crypto"
	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/store"
)

// CredentialsRequest is the body of register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse is returned when a session is established.
type SessionResponse struct {
	Username  string `json:"username"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// IdentityResponse represents the current identity.
type IdentityResponse struct {
	Username string `json:"username"`
}

// UsernameResponse reports whether a username is registered.
type UsernameResponse struct {
	Username string `json:"username"`
	Exists   bool   `json:"exists"`
}

// Register handles account creation. A successful registration is also logged in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	username := normalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		h.Error(w, http.StatusBadRequest, "username and password required")
		return
	}
	if !isValidUsername(username) {
		h.Error(w, http.StatusBadRequest, "username must be 2-20 characters: letters, digits, '.', '-' or '_'")
		return
	}
	if len(req.Password) < minPasswordLength {
		h.Error(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user, err := h.db.CreateUser(r.Context(), username, hash)
	if errors.Is(err, store.ErrUsernameTaken) {
		h.Error(w, http.StatusConflict, "username already exists")
		return
	}
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	metrics.UsersRegistered.Inc()

	h.startSession(w, r, user.Username, http.StatusCreated)
}

// Login handles password authentication.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	username := normalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		h.Error(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.db.GetUserByName(r.Context(), username)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if user == nil || crypto.CheckPassword(user.PasswordHash, req.Password) != nil {
		metrics.Logins.WithLabelValues("failure").Inc()
		h.Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	metrics.Logins.WithLabelValues("success").Inc()

	h.startSession(w, r, user.Username, http.StatusOK)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, username string, status int) {
	sess, err := h.redis.CreateSession(r.Context(), username, h.sessionTTL)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.JSON(w, status, SessionResponse{
		Username:  sess.Username,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.Format("2006-01-02T15:04:05Z"),
	})
}

// Logout ends the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetTokenFromContext(r.Context())
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.redis.DeleteSession(r.Context(), token); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session returns the identity bound to the bearer token.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	if username == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	h.JSON(w, http.StatusOK, IdentityResponse{Username: username})
}

// CheckUsername reports whether a username is taken.
func (h *Handler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	username := normalizeUsername(chi.URLParam(r, "name"))
	if !isValidUsername(username) {
		h.JSON(w, http.StatusOK, UsernameResponse{Username: username, Exists: false})
		return
	}

	user, err := h.db.GetUserByName(r.Context(), username)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.JSON(w, http.StatusOK, UsernameResponse{Username: username, Exists: user != nil})
}
