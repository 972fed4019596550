package models

import "time"

// Message is one entry of the shared chat log.
type Message struct {
	ID        int64     `json:"id"` // Canonical order
	Author    string    `json:"author"`
	Body      string    `json:"text"`
	ClientID  string    `json:"client_id,omitempty"` // Sender-generated local id, echoed for reconciliation
	CreatedAt time.Time `json:"created_at"`
}
