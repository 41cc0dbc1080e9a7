package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/founderport/angel/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		asked_q TEXT,
		answered_count INTEGER NOT NULL DEFAULT 0,
		business_context TEXT,
		business_plan_summary TEXT NOT NULL DEFAULT '',
		business_plan_artifact TEXT NOT NULL DEFAULT '',
		artifact_generated_at INTEGER,
		roadmap_content TEXT NOT NULL DEFAULT '',
		roadmap_generated_at INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		phase TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON chat_history(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_history_phase ON chat_history(session_id, phase, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether err is a SQLITE_BUSY or "database is
// locked" error, the two concurrency failures worth a short retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// execRetry runs a write statement, retrying briefly on SQLite concurrency
// errors that slip past the busy timeout.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		result, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteConflict(err) {
			return result, err
		}
		slog.Warn("sqlite write conflict, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return result, err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	contextJSON, err := json.Marshal(sess.BusinessContext)
	if err != nil {
		return fmt.Errorf("marshal business context: %w", err)
	}

	var askedQ interface{}
	if sess.AskedQ != nil {
		askedQ = sess.AskedQ.String()
	}

	query := `
	INSERT INTO sessions (
		id, user_id, title, current_phase, asked_q, answered_count,
		business_context, version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	_, err = s.execRetry(ctx, query,
		sess.ID, sess.UserID, sess.Title, sess.CurrentPhase.String(),
		askedQ, sess.AnsweredCount, string(contextJSON),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	sess.Version = 1
	return nil
}

const sessionColumns = `
	id, user_id, title, current_phase, asked_q, answered_count,
	business_context, business_plan_summary, business_plan_artifact,
	artifact_generated_at, roadmap_content, roadmap_generated_at,
	version, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var (
		sess                  domain.Session
		phaseName             string
		askedQ, contextJSON   sql.NullString
		artifactAt, roadmapAt sql.NullInt64
		createdAt, updatedAt  int64
	)

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &phaseName, &askedQ,
		&sess.AnsweredCount, &contextJSON, &sess.BusinessPlanSummary,
		&sess.BusinessPlanArtifact, &artifactAt, &sess.RoadmapContent,
		&roadmapAt, &sess.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	phase, ok := domain.ParsePhase(phaseName)
	if !ok {
		return nil, fmt.Errorf("stored phase %q is not recognized", phaseName)
	}
	sess.CurrentPhase = phase

	if askedQ.Valid && askedQ.String != "" {
		tag, ok := domain.ParseTagString(askedQ.String)
		if !ok {
			return nil, fmt.Errorf("stored asked_q %q is not a valid tag", askedQ.String)
		}
		sess.AskedQ = &tag
	}

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &sess.BusinessContext); err != nil {
			return nil, fmt.Errorf("unmarshal business context: %w", err)
		}
	}

	if artifactAt.Valid {
		t := time.Unix(artifactAt.Int64, 0)
		sess.ArtifactGeneratedAt = &t
	}
	if roadmapAt.Valid {
		t := time.Unix(roadmapAt.Int64, 0)
		sess.RoadmapGeneratedAt = &t
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	return &sess, nil
}

// GetSession retrieves a session scoped to its owner.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? AND user_id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, userID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PatchSession applies partial updates guarded by optimistic locking on the
// version column. The persisted state never reflects a half-applied turn.
func (s *SQLiteStore) PatchSession(ctx context.Context, sessionID string, expectedVersion int64, patch domain.SessionPatch) error {
	if patch.Empty() {
		return nil
	}

	var sets []string
	var args []interface{}

	if patch.CurrentPhase != nil {
		sets = append(sets, "current_phase = ?")
		args = append(args, patch.CurrentPhase.String())
	}
	if patch.ClearAskedQ {
		sets = append(sets, "asked_q = NULL")
	} else if patch.AskedQ != nil {
		sets = append(sets, "asked_q = ?")
		args = append(args, patch.AskedQ.String())
	}
	if patch.AnsweredCount != nil {
		sets = append(sets, "answered_count = ?")
		args = append(args, *patch.AnsweredCount)
	}
	if patch.BusinessContext != nil {
		contextJSON, err := json.Marshal(patch.BusinessContext)
		if err != nil {
			return fmt.Errorf("marshal business context: %w", err)
		}
		sets = append(sets, "business_context = ?")
		args = append(args, string(contextJSON))
	}
	if patch.BusinessPlanSummary != nil {
		sets = append(sets, "business_plan_summary = ?")
		args = append(args, *patch.BusinessPlanSummary)
	}
	if patch.BusinessPlanArtifact != nil {
		sets = append(sets, "business_plan_artifact = ?")
		args = append(args, *patch.BusinessPlanArtifact)
	}
	if patch.ArtifactGeneratedAt != nil {
		sets = append(sets, "artifact_generated_at = ?")
		args = append(args, patch.ArtifactGeneratedAt.Unix())
	}
	if patch.RoadmapContent != nil {
		sets = append(sets, "roadmap_content = ?")
		args = append(args, *patch.RoadmapContent)
	}
	if patch.RoadmapGeneratedAt != nil {
		sets = append(sets, "roadmap_generated_at = ?")
		args = append(args, patch.RoadmapGeneratedAt.Unix())
	}

	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().Unix(), sessionID, expectedVersion)

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND version = ?`
	result, err := s.execRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		return ErrStaleSession
	}
	return nil
}

// AppendMessage stores one chat record.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	query := `INSERT INTO chat_history (session_id, role, content, phase, created_at) VALUES (?, ?, ?, ?, ?)`
	result, err := s.execRetry(ctx, query,
		msg.SessionID, msg.Role, msg.Content, msg.Phase.String(), msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get message id: %w", err)
	}
	msg.ID = id
	return nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var messages []domain.ChatMessage
	for rows.Next() {
		var (
			msg       domain.ChatMessage
			phaseName string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &phaseName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Phase, _ = domain.ParsePhase(phaseName)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// FetchHistory returns the session's messages in creation order.
func (s *SQLiteStore) FetchHistory(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, phase, created_at FROM chat_history WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
}

// FetchPhaseHistory returns a page of messages recorded during a phase.
func (s *SQLiteStore) FetchPhaseHistory(ctx context.Context, sessionID string, phase domain.Phase, offset, limit int) ([]domain.ChatMessage, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, phase, created_at FROM chat_history
		 WHERE session_id = ? AND phase = ? ORDER BY id LIMIT ? OFFSET ?`,
		sessionID, phase.String(), limit, offset,
	)
}

// DeleteMessages removes history records by id, scoped to the session so a
// caller can never delete another conversation's records.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	query := `DELETE FROM chat_history WHERE session_id = ? AND id IN (` + placeholders + `)`
	if _, err := s.execRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	return nil
}
