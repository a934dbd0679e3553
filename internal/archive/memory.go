package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pulsecast/internal/models"
)

// NewMemoryRepository returns an in-process repository for single-node
// deployments and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{sessions: make(map[string]models.StreamingSession)}
}

type memoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]models.StreamingSession
}

func (r *memoryRepository) Save(_ context.Context, session models.StreamingSession) error {
	if session.ID == "" {
		return fmt.Errorf("archive: session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (models.StreamingSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return models.StreamingSession{}, ErrNotFound
	}
	return session.Clone(), nil
}

func (r *memoryRepository) List(_ context.Context, limit int) ([]models.StreamingSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StreamingSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) Close(context.Context) error {
	return nil
}
