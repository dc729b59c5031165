package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore backs both the session cache and the pending logout store
// with one SQLite database. Session rows carry the signed codec form;
// logout states are JSON, readable for operational inspection.
type SQLiteStore struct {
	db    *sql.DB
	codec SessionCodec
	stop  chan struct{}
}

// NewSQLiteStore opens (or creates) the database under dataDir.
func NewSQLiteStore(dataDir string, codec SessionCodec) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "idp.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, codec: codec, stop: make(chan struct{})}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.cleanup()
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Active sessions, keyed by cookie value
	CREATE TABLE IF NOT EXISTS sessions (
		cookie TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);

	-- In-flight logout sequences, keyed by cookie value
	CREATE TABLE IF NOT EXISTS logout_states (
		cookie TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logout_expiry ON logout_states(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close stops the cleanup goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.db.Close()
}

// Sessions returns the SessionCache view of the store.
func (s *SQLiteStore) Sessions() SessionCache { return (*sqliteSessions)(s) }

// Logouts returns the PendingLogoutStore view of the store.
func (s *SQLiteStore) Logouts() PendingLogoutStore { return (*sqliteLogouts)(s) }

func (s *SQLiteStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now().Unix()
			s.db.Exec("DELETE FROM sessions WHERE expires_at <= ?", now)
			s.db.Exec("DELETE FROM logout_states WHERE expires_at <= ?", now)
		}
	}
}

// isConstraintErr reports whether err is a primary key violation.
func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// ============================================================================
// SessionCache view
// ============================================================================

type sqliteSessions SQLiteStore

func (s *sqliteSessions) CreateIfAbsent(ctx context.Context, rec *SessionRecord) error {
	record, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	// Expired rows under the same key are evicted first so the primary key
	// only guards live sessions.
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE cookie = ? AND expires_at <= ?",
		rec.Cookie, time.Now().Unix()); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions (cookie, record, expires_at) VALUES (?, ?, ?)",
		rec.Cookie, record, rec.ExpiresAt.Unix())
	if isConstraintErr(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteSessions) Get(ctx context.Context, cookie string) (*SessionRecord, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM sessions WHERE cookie = ? AND expires_at > ?",
		cookie, time.Now().Unix()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(record)
}

func (s *sqliteSessions) Put(ctx context.Context, rec *SessionRecord) error {
	record, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (cookie, record, expires_at) VALUES (?, ?, ?)",
		rec.Cookie, record, rec.ExpiresAt.Unix())
	return err
}

func (s *sqliteSessions) Delete(ctx context.Context, cookie string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE cookie = ?", cookie)
	return err
}

func (s *sqliteSessions) Close() error { return (*SQLiteStore)(s).Close() }

// ============================================================================
// PendingLogoutStore view
// ============================================================================

type sqliteLogouts SQLiteStore

func (s *sqliteLogouts) CreateIfAbsent(ctx context.Context, st *LogoutState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM logout_states WHERE cookie = ? AND expires_at <= ?",
		st.Cookie, time.Now().Unix()); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO logout_states (cookie, state, expires_at) VALUES (?, ?, ?)",
		st.Cookie, string(state), st.ExpiresAt.Unix())
	if isConstraintErr(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteLogouts) Get(ctx context.Context, cookie string) (*LogoutState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM logout_states WHERE cookie = ? AND expires_at > ?",
		cookie, time.Now().Unix()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st LogoutState
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return nil, fmt.Errorf("corrupt logout state: %w", err)
	}
	return &st, nil
}

func (s *sqliteLogouts) Put(ctx context.Context, st *LogoutState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO logout_states (cookie, state, expires_at) VALUES (?, ?, ?)",
		st.Cookie, string(state), st.ExpiresAt.Unix())
	return err
}

func (s *sqliteLogouts) Delete(ctx context.Context, cookie string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM logout_states WHERE cookie = ?", cookie)
	return err
}

func (s *sqliteLogouts) Close() error { return (*SQLiteStore)(s).Close() }
