package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// MessagePreview represents a preview of a message.
type MessagePreview struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers     int64            `json:"total_users"`
	TotalMessages  int64            `json:"total_messages"`
	LastActivity   string           `json:"last_activity"`
	RecentMessages []MessagePreview `json:"recent_messages"`
}

// Stats returns chat statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := h.db.CountUsers(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count users")
		return
	}

	totalMessages, err := h.db.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	lastActivityTime, err := h.db.GetMostRecentActivity(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = formatTimeAgo(*lastActivityTime)
	}

	messages, err := h.db.RecentMessages(ctx, 5)
	if err != nil {
		// Non-fatal, continue with empty messages
		messages = nil
	}

	recentMessages := make([]MessagePreview, 0, len(messages))
	for _, msg := range messages {
		// Truncate body if too long
		text := msg.Body
		if runes := []rune(text); len(runes) > 200 {
			text = string(runes[:197]) + "..."
		}

		recentMessages = append(recentMessages, MessagePreview{
			ID:        msg.ID,
			Author:    msg.Author,
			Text:      text,
			Timestamp: msg.CreatedAt.UnixMilli(),
		})
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalUsers:     totalUsers,
		TotalMessages:  totalMessages,
		LastActivity:   lastActivity,
		RecentMessages: recentMessages,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return strconv.Itoa(days) + " days ago"
	}
}
