package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/gchat/internal/chat"
	"github.com/eldtechnologies/gchat/internal/store"
)

// usernameRegex: 2-20 characters, letters, digits, dot, dash, underscore.
var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]{2,20}$`)

// minPasswordLength is the shortest accepted password.
const minPasswordLength = 6

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db         store.DataStore
	redis      *store.RedisStore
	log        *chat.Log
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// NewHandler creates a new Handler with the given stores.
func NewHandler(db store.DataStore, redis *store.RedisStore, log *chat.Log, sessionTTL time.Duration, logger zerolog.Logger) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Handler{db: db, redis: redis, log: log, sessionTTL: sessionTTL, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// normalizeUsername trims surrounding whitespace.
func normalizeUsername(name string) string {
	return strings.TrimSpace(name)
}

// isValidUsername reports whether name satisfies the registration rules.
func isValidUsername(name string) bool {
	return usernameRegex.MatchString(name)
}
