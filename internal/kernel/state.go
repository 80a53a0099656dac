package kernel

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hostd/internal/memory"
	"hostd/internal/security"
)

// State is the persistable snapshot of the dispatcher: security level,
// rule set, and every Active session with its live allocations. It is
// what gets written to the snapshot store on shutdown and read back at
// startup.
type State struct {
	Level    string          `json:"level"`
	Rules    []security.Rule `json:"rules,omitempty"`
	SavedAt  time.Time       `json:"saved_at"`
	Sessions []SessionState  `json:"sessions,omitempty"`
}

// SessionState is one exported session and the handles it owned.
type SessionState struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Handles   []memory.Handle   `json:"handles,omitempty"`
}

// ExportState captures the current dispatch state. Closing and Closed
// sessions are excluded; a handle that disappears between the session
// snapshot and the registry lookup is simply left out.
func (d *Dispatcher) ExportState() State {
	st := State{
		Level:   d.policy.Level().String(),
		Rules:   d.policy.Rules(),
		SavedAt: time.Now().UTC(),
	}
	for _, rec := range d.sessions.Snapshot() {
		ss := SessionState{ID: rec.ID, Metadata: rec.Metadata, CreatedAt: rec.CreatedAt}
		for _, handleID := range rec.Owned {
			if h, ok := d.mem.Get(handleID); ok {
				ss.Handles = append(ss.Handles, h)
			}
		}
		st.Sessions = append(st.Sessions, ss)
	}
	return st
}

// RestoreState reinstates an exported state: level, rules, then each
// session with its allocations readopted under the original handle ids.
// It must run before the dispatcher starts serving requests. The restore
// is best-effort per session; anything that cannot be readopted (quota
// shrank, duplicate id) is skipped and reported in the returned error.
func (d *Dispatcher) RestoreState(st State) error {
	if st.Level != "" {
		level, err := security.ParseLevel(st.Level)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		d.policy.SetLevel(level)
	}
	for _, r := range st.Rules {
		d.policy.AddRule(r)
	}

	var failures []string
	restored := 0
	for _, ss := range st.Sessions {
		if err := d.sessions.Adopt(ss.ID, ss.Metadata, ss.CreatedAt); err != nil {
			failures = append(failures, fmt.Sprintf("session %s: %v", ss.ID, err))
			continue
		}
		restored++
		for _, h := range ss.Handles {
			h.SessionID = ss.ID
			err := d.sessions.WithActive(ss.ID, func() (string, error) {
				if aerr := d.mem.Adopt(h); aerr != nil {
					return "", aerr
				}
				return h.ID, nil
			})
			if err != nil {
				failures = append(failures, fmt.Sprintf("handle %s: %v", h.ID, err))
			}
		}
	}

	d.log.Info("state restored",
		zap.Int("sessions", restored),
		zap.Int("failures", len(failures)))
	if len(failures) > 0 {
		return fmt.Errorf("state restore incomplete: %s", strings.Join(failures, "; "))
	}
	return nil
}
