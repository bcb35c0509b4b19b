// Package storage defines the persistence interface for fix sessions.
// Sessions are never deleted; the database is the audit trail.
package storage

import (
	"context"
	"errors"

	"github.com/fixloop/fixloop/internal/events"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/types"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionFilter narrows ListSessions results. Zero values match everything.
type SessionFilter struct {
	Status   types.SessionStatus
	RepoPath string
	Limit    int
}

// Storage is the interface for fix session persistence.
type Storage interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, session *types.FixSession) error

	// GetSession retrieves a session by ID. Returns ErrNotFound if missing.
	GetSession(ctx context.Context, id string) (*types.FixSession, error)

	// ListSessions retrieves sessions matching the filter, newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*types.FixSession, error)

	// UpdateSession persists the session's mutable fields: status, current
	// cycle, safety branch, stop reason, and error. The control columns are
	// written only through SetStopRequested and SetAdvanceURL, so a signal
	// from another process is never clobbered by a session update.
	UpdateSession(ctx context.Context, session *types.FixSession) error

	// SetStopRequested flags a session for cooperative stop. The session
	// loop polls the flag, so stops issued from another process take effect
	// at the next checkpoint.
	SetStopRequested(ctx context.Context, sessionID string) error

	// SetAdvanceURL records the manually deployed URL for a paused session.
	// The session loop consumes it by clearing the column.
	SetAdvanceURL(ctx context.Context, sessionID, url string) error

	// GetRunningSessionForRepo returns the active session for a normalized
	// repo path, or ErrNotFound when none is running or paused.
	GetRunningSessionForRepo(ctx context.Context, repoPath string) (*types.FixSession, error)

	// CreateCycle persists a new cycle row.
	CreateCycle(ctx context.Context, cycle *types.FixCycle) error

	// UpdateCycle persists the cycle's mutable fields.
	UpdateCycle(ctx context.Context, cycle *types.FixCycle) error

	// GetCycles retrieves a session's cycles ordered by number.
	GetCycles(ctx context.Context, sessionID string) ([]*types.FixCycle, error)

	// StoreEvent appends an event to the audit trail.
	StoreEvent(ctx context.Context, event *events.FixEvent) error

	// GetEventsBySession retrieves a session's events in insertion order.
	GetEventsBySession(ctx context.Context, sessionID string, limit int) ([]*events.FixEvent, error)

	// GetRecentEvents retrieves the most recent events across all sessions,
	// newest first.
	GetRecentEvents(ctx context.Context, limit int) ([]*events.FixEvent, error)

	// MarkSessionInterrupted transitions one running or paused session to
	// stopped with reason interrupted, and its in-flight cycles to
	// interrupted. Returns ErrNotFound if the session is not active.
	MarkSessionInterrupted(ctx context.Context, sessionID string) error

	// SaveBaseReport stores the evaluation report a session starts from.
	SaveBaseReport(ctx context.Context, sessionID string, r *report.Report) error

	// GetBaseReport retrieves a session's base report.
	GetBaseReport(ctx context.Context, sessionID string) (*report.Report, error)

	// Close releases the underlying database handle.
	Close() error
}
