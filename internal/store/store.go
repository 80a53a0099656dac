package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"hostd/internal/logging"
	"hostd/internal/security"
)

// Store is the SQLite persistence layer: the durable audit trail and
// opaque snapshot blobs. The dispatch core never touches it directly; it
// writes through the security.DecisionSink interface.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log := logging.L(logging.CategoryStore)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL", zap.Error(err))
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store opened", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id            TEXT PRIMARY KEY,
		ts            TIMESTAMP NOT NULL,
		session_id    TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		operation     TEXT NOT NULL,
		resource      TEXT NOT NULL,
		verdict       TEXT NOT NULL,
		error_kind    TEXT NOT NULL DEFAULT '',
		detail        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		name       TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		payload    BLOB NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendDecision persists one audit entry. Implements security.DecisionSink.
func (s *Store) AppendDecision(e security.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, ts, session_id, resource_type, operation, resource, verdict, error_kind, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.SessionID, e.ResourceType, e.Operation, e.Resource,
		e.Verdict, e.ErrorKind, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to persist audit entry: %w", err)
	}
	return nil
}

// AuditSince returns persisted audit entries at or after the cutoff,
// most recent first, capped at limit.
func (s *Store) AuditSince(cutoff time.Time, limit int) ([]security.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, ts, session_id, resource_type, operation, resource, verdict, error_kind, detail
		FROM audit_log WHERE ts >= ? ORDER BY ts DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []security.AuditEntry
	for rows.Next() {
		var e security.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.ResourceType,
			&e.Operation, &e.Resource, &e.Verdict, &e.ErrorKind, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSnapshot stores an opaque state blob under a name, replacing any
// previous snapshot with the same name.
func (s *Store) SaveSnapshot(name string, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO snapshots (name, created_at, payload) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET created_at = excluded.created_at, payload = excluded.payload`,
		name, time.Now().UTC(), payload)
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a named snapshot into out. Returns os.ErrNotExist if
// no snapshot with that name has been saved.
func (s *Store) LoadSnapshot(name string, out any) error {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE name = ?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return os.ErrNotExist
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return nil
}
