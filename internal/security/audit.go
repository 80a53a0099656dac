package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostd/internal/logging"
)

// DecisionSink receives every audit entry as it is recorded. The store
// package provides a persistent implementation; the core only appends.
type DecisionSink interface {
	AppendDecision(e AuditEntry) error
}

// AuditEntry records one permission decision or failed dispatch.
type AuditEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	SessionID    string    `json:"session_id"`
	ResourceType string    `json:"resource_type"`
	Operation    string    `json:"operation"`
	Resource     string    `json:"resource"`
	Verdict      string    `json:"verdict"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// AuditLog is the append-only record of permission decisions. It keeps the
// most recent entries in a bounded in-memory ring and forwards every entry
// to an optional sink. Appends never fail from the dispatcher's view: a
// sink error is logged and the in-memory record still lands.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	sink    DecisionSink
	log     *zap.Logger
}

// NewAuditLog creates an audit log retaining up to capacity entries in
// memory. capacity <= 0 falls back to 1000.
func NewAuditLog(capacity int, sink DecisionSink) *AuditLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &AuditLog{
		entries: make([]AuditEntry, capacity),
		sink:    sink,
		log:     logging.L(logging.CategorySecurity),
	}
}

// Record appends an entry, stamping id and timestamp when unset.
func (a *AuditLog) Record(e AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	a.entries[a.next] = e
	a.next++
	if a.next == len(a.entries) {
		a.next = 0
		a.full = true
	}
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		if err := sink.AppendDecision(e); err != nil {
			a.log.Warn("audit sink append failed",
				zap.String("entry_id", e.ID),
				zap.Error(err))
		}
	}
}

// Recent returns up to limit entries, most recent first. limit <= 0 means
// all retained entries.
func (a *AuditLog) Recent(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]AuditEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := a.next - i
		if idx < 0 {
			idx += len(a.entries)
		}
		out = append(out, a.entries[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return len(a.entries)
	}
	return a.next
}
