package kernel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session. Only Active sessions
// accept dispatched requests; Closing is a transient state visible to
// concurrent requests while the close sweep runs.
type SessionStatus int

const (
	StatusActive SessionStatus = iota
	StatusClosing
	StatusClosed
)

func (s SessionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a single client session and the set of memory handles it owns.
// The owned set is only ever touched under the table's lock.
type Session struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Status    SessionStatus     `json:"status"`

	owned map[string]struct{}
}

// SessionTable owns every session record. All ownership registration runs
// through withActive, which holds the table lock for the duration of the
// callback. That callback is where the memory registry lock is taken, so
// the session lock always precedes the memory lock.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create mints a new Active session and returns its id.
func (t *SessionTable) Create(metadata map[string]string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Session{
		ID:        uuid.NewString(),
		Metadata:  metadata,
		CreatedAt: t.now().UTC(),
		Status:    StatusActive,
		owned:     make(map[string]struct{}),
	}
	t.sessions[s.ID] = s
	return s
}

// Adopt reinstates a session under its original id, as Active with an
// empty owned set. Used when restoring persisted state at startup; a
// duplicate id is rejected.
func (t *SessionTable) Adopt(id string, metadata map[string]string, createdAt time.Time) error {
	if id == "" {
		return fmt.Errorf("cannot adopt session with empty id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; ok {
		return fmt.Errorf("session %s already present", id)
	}
	if createdAt.IsZero() {
		createdAt = t.now().UTC()
	}
	t.sessions[id] = &Session{
		ID:        id,
		Metadata:  metadata,
		CreatedAt: createdAt,
		Status:    StatusActive,
		owned:     make(map[string]struct{}),
	}
	return nil
}

// SessionRecord is one Active session and its owned handle ids as seen at
// a single point in time.
type SessionRecord struct {
	ID        string
	Metadata  map[string]string
	CreatedAt time.Time
	Owned     []string
}

// Snapshot returns every Active session with its owned handle ids,
// ordered by id.
func (t *SessionTable) Snapshot() []SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SessionRecord, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.Status != StatusActive {
			continue
		}
		owned := make([]string, 0, len(s.owned))
		for h := range s.owned {
			owned = append(owned, h)
		}
		sort.Strings(owned)
		out = append(out, SessionRecord{
			ID:        s.ID,
			Metadata:  s.Metadata,
			CreatedAt: s.CreatedAt,
			Owned:     owned,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of the session, without its owned set.
func (t *SessionTable) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return Session{ID: s.ID, Metadata: s.Metadata, CreatedAt: s.CreatedAt, Status: s.Status}, true
}

// CheckActive fails with ErrSessionNotFound unless the session exists and
// is Active. A Closing or Closed session is indistinguishable from an
// absent one to callers.
func (t *SessionTable) CheckActive(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// WithActive runs fn while holding the table lock, with the session
// guaranteed Active for the duration. Handle ids returned by fn are
// registered in the owned set before the lock is released, so a handle is
// never observable as allocated but unowned. fn must not call back into
// the table.
func (t *SessionTable) WithActive(id string, fn func() (handleID string, err error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	handleID, err := fn()
	if err != nil {
		return err
	}
	if handleID != "" {
		s.owned[handleID] = struct{}{}
	}
	return nil
}

// Disown removes a handle from whichever session owns it. Used after a
// release or an optimization reclaim; a handle nobody owns is a no-op.
func (t *SessionTable) Disown(sessionID, handleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sessionID]; ok {
		delete(s.owned, handleID)
	}
}

// BeginClose transitions an Active session to Closing and returns the
// owned handle ids for the release sweep. Returns ErrSessionNotFound if
// the session is absent or already past Active.
func (t *SessionTable) BeginClose(id string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Status = StatusClosing
	owned := make([]string, 0, len(s.owned))
	for h := range s.owned {
		owned = append(owned, h)
	}
	sort.Strings(owned)
	return owned, nil
}

// FinishClose marks a Closing session Closed and empties its owned set.
func (t *SessionTable) FinishClose(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		s.Status = StatusClosed
		s.owned = make(map[string]struct{})
	}
}

// ActiveIDs returns the ids of all sessions still Active.
func (t *SessionTable) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.sessions))
	for id, s := range t.sessions {
		if s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Undrained returns the ids of sessions not yet Closed. Used by shutdown
// to report stragglers.
func (t *SessionTable) Undrained() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0)
	for id, s := range t.sessions {
		if s.Status != StatusClosed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of sessions per status.
func (t *SessionTable) Counts() (active, closing, closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		switch s.Status {
		case StatusActive:
			active++
		case StatusClosing:
			closing++
		case StatusClosed:
			closed++
		}
	}
	return
}
