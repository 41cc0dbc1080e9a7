// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/founderport/angel/internal/domain"
)

var (
	// ErrSessionNotFound is returned when no session matches the id/user pair.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleSession is returned when a patch presents a version that no
	// longer matches the stored row: another turn for the same session won
	// the race. Callers re-fetch and retry.
	ErrStaleSession = errors.New("session version conflict")
)

// Repository defines the persistence surface for sessions and chat history.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session scoped to its owner.
	GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)

	// ListSessions returns the user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// PatchSession applies partial updates without clobbering other fields.
	// The update only happens if the stored version equals expectedVersion;
	// otherwise ErrStaleSession is returned and nothing changes.
	PatchSession(ctx context.Context, sessionID string, expectedVersion int64, patch domain.SessionPatch) error

	// FetchHistory returns the session's messages in creation order.
	FetchHistory(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)

	// FetchPhaseHistory returns a page of messages recorded during a phase.
	FetchPhaseHistory(ctx context.Context, sessionID string, phase domain.Phase, offset, limit int) ([]domain.ChatMessage, error)

	// AppendMessage stores one chat record and fills in its ID.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// DeleteMessages removes history records by id (used by go-back).
	DeleteMessages(ctx context.Context, sessionID string, ids []int64) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
