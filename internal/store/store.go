// Package store persists fsbot's durable state: the security audit trail
// and gateway pairing records. Conversation transcripts are deliberately
// not stored; sessions are in-memory only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fsbot/internal/domain"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection in WAL mode.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.AuditLogger = (*Store)(nil)

func New(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session     TEXT,
		action      TEXT NOT NULL,
		tool_name   TEXT,
		path        TEXT,
		result      TEXT,
		details     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);

	CREATE TABLE IF NOT EXISTS pairings (
		channel    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		paired_at  DATETIME NOT NULL,
		expires_at DATETIME,
		PRIMARY KEY (channel, user_id)
	);

	CREATE TABLE IF NOT EXISTS pairing_codes (
		channel    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		code_hash  TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		PRIMARY KEY (channel, user_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LogAudit records one security-relevant event. Implements domain.AuditLogger.
func (s *Store) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session, action, tool_name, path, result, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Session, entry.Action, entry.Tool, entry.Path, entry.Result, entry.Detail,
	)
	return err
}

// AuditRecord is a persisted audit entry with its timestamp.
type AuditRecord struct {
	domain.AuditEntry
	Time time.Time
}

// RecentAudit returns the newest n audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, n int) ([]AuditRecord, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, action, tool_name, path, result, details, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var session, tool, path, result, detail sql.NullString
		if err := rows.Scan(&session, &r.Action, &tool, &path, &result, &detail, &r.Time); err != nil {
			return nil, err
		}
		r.Session = session.String
		r.Tool = tool.String
		r.Path = path.String
		r.Result = result.String
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Pairing persistence ---

// SavePairingCode stores a hashed one-time code, replacing any earlier code
// for the same channel/user.
func (s *Store) SavePairingCode(ctx context.Context, channel, userID, codeHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_codes (channel, user_id, code_hash, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, userID, codeHash, expiresAt,
	)
	return err
}

// ConsumePairingCode checks the submitted code hash against the stored one
// and deletes the record when it matches. A code is single-use either way:
// an expired or mismatched record stays until replaced.
func (s *Store) ConsumePairingCode(ctx context.Context, channel, userID, codeHash string) (bool, error) {
	var stored string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT code_hash, expires_at FROM pairing_codes WHERE channel = ? AND user_id = ?`,
		channel, userID,
	).Scan(&stored, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup pairing code: %w", err)
	}
	if time.Now().After(expiresAt) || stored != codeHash {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE channel = ? AND user_id = ?`, channel, userID,
	)
	return true, err
}

// PairUser records a completed pairing. A nil expiresAt pairs indefinitely.
func (s *Store) PairUser(ctx context.Context, channel, userID string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairings (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, userID, time.Now(), expiresAt,
	)
	return err
}

// IsPaired reports whether the user holds an unexpired pairing.
func (s *Store) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairings
		 WHERE channel = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		channel, userID, time.Now(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

// Unpair removes a user's pairing.
func (s *Store) Unpair(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairings WHERE channel = ? AND user_id = ?`, channel, userID,
	)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
