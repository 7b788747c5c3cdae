package domain

import (
	"encoding/json"
	"time"
)

// EventRecord is one engine event in the audit trail.
type EventRecord struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
