// Package archive persists finished and in-flight streaming session records
// so the control API can list past runs and survive restarts.
package archive

import (
	"context"
	"errors"

	"pulsecast/internal/models"
)

// ErrNotFound is returned when no session with the requested id exists.
var ErrNotFound = errors.New("archive: session not found")

// Repository stores streaming session records. Save is an upsert keyed on
// the session id; implementations must tolerate repeated saves of the same
// session as its status advances.
type Repository interface {
	Save(ctx context.Context, session models.StreamingSession) error
	Get(ctx context.Context, id string) (models.StreamingSession, error)
	// List returns sessions newest first, bounded by limit (0 means all).
	List(ctx context.Context, limit int) ([]models.StreamingSession, error)
	Close(ctx context.Context) error
}
