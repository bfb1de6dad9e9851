package gateway

import (
	"time"
)

// AuditEntry represents a logged lifecycle event for provenance tracking
type AuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	RetryID       string    `json:"retry_id,omitempty"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id,omitempty"`
	ServerID      string    `json:"server_id"`
	Operation     string    `json:"operation"`
	Event         string    `json:"event"`
	Category      string    `json:"category,omitempty"`
	ErrorMsg      string    `json:"error,omitempty"`
}
