package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// defaultAuditCapacity bounds the in-memory audit ring.
const defaultAuditCapacity = 1024

// AuditLogger records lifecycle events (retries, evictions, invalidations)
// to the structured log and keeps a bounded in-memory ring for the admin
// surface. Oldest entries are dropped first.
type AuditLogger struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

// NewAuditLogger creates an audit logger with the default ring capacity.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:  logger,
		entries: make([]AuditEntry, defaultAuditCapacity),
	}
}

// Record stores the entry and emits it to the structured log. The timestamp
// is stamped here if the caller left it zero.
func (a *AuditLogger) Record(e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	a.logger.Info("audit",
		"event", e.Event,
		"correlation_id", e.CorrelationID,
		"client_id", e.ClientID,
		"server_id", e.ServerID,
		"operation", e.Operation,
		"category", e.Category,
		"error", e.ErrorMsg,
	)
}

// Recent returns up to n entries, newest first.
func (a *AuditLogger) Recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}
	if n > size {
		n = size
	}

	out := make([]AuditEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (a.next - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}
