package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/gchat/internal/api/middleware"
	"github.com/eldtechnologies/gchat/internal/chat"
	"github.com/eldtechnologies/gchat/internal/models"
)

// maxClientIDLength bounds the sender-generated id (a ULID is 26 chars).
const maxClientIDLength = 64

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	ClientID  string `json:"client_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// MessagesResponse represents a readSince batch.
type MessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
	Cursor   int64             `json:"cursor"`
	HasMore  bool              `json:"has_more"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

func toMessageResponse(msg models.Message) MessageResponse {
	return MessageResponse{
		ID:        msg.ID,
		Author:    msg.Author,
		Text:      msg.Body,
		ClientID:  msg.ClientID,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// PostMessage appends a message to the log (authenticated).
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	author := middleware.GetUserFromContext(r.Context())
	if author == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ClientID) > maxClientIDLength {
		h.Error(w, http.StatusBadRequest, "client_id too long")
		return
	}

	msg, err := h.log.Append(r.Context(), author, req.Text, req.ClientID)
	if err != nil {
		var cooldown *chat.CooldownError
		switch {
		case errors.Is(err, chat.ErrTooLong):
			h.Error(w, http.StatusUnprocessableEntity, "text too long (max "+strconv.Itoa(h.log.Options().MaxLength)+" characters)")
		case errors.Is(err, chat.ErrValidation):
			h.Error(w, http.StatusBadRequest, "message cannot be empty")
		case errors.Is(err, chat.ErrAuth):
			h.Error(w, http.StatusUnauthorized, "authentication required")
		case errors.As(err, &cooldown):
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.Remaining.Seconds()))))
			h.Error(w, http.StatusTooManyRequests, "please wait before sending another message")
		default:
			h.logger.Error().Err(err).Str("author", author).Msg("append failed")
			h.Error(w, http.StatusInternalServerError, "failed to store message")
		}
		return
	}

	h.JSON(w, http.StatusCreated, toMessageResponse(*msg))
}

// GetMessages returns messages after the cursor (authenticated).
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if after := r.URL.Query().Get("after"); after != "" {
		c, err := strconv.ParseInt(after, 10, 64)
		if err != nil || c < 0 {
			h.Error(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		cursor = c
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	page, err := h.log.ReadSince(r.Context(), cursor, limit)
	if err != nil {
		h.logger.Error().Err(err).Int64("cursor", cursor).Msg("read since failed")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	msgResponses := make([]MessageResponse, len(page.Messages))
	for i, msg := range page.Messages {
		msgResponses[i] = toMessageResponse(msg)
	}

	h.JSON(w, http.StatusOK, MessagesResponse{
		Messages: msgResponses,
		Cursor:   page.Cursor,
		HasMore:  page.HasMore,
	})
}
