package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulsecast/internal/models"
)

func storedSession(id string, createdAt time.Time, status models.SessionStatus) models.StreamingSession {
	return models.StreamingSession{
		ID:        id,
		Status:    status,
		CreatedAt: createdAt,
		Platforms: []models.PlatformStream{
			{Platform: "twitch", Status: models.PlatformLive},
		},
	}
}

func TestMemoryRepositorySaveIsUpsert(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	created := time.Now().UTC()

	if err := repo.Save(ctx, storedSession("sess-1", created, models.SessionConnecting)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, storedSession("sess-1", created, models.SessionLive)); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionLive {
		t.Fatalf("expected updated status live, got %s", got.Status)
	}
}

func TestMemoryRepositoryGetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepositoryRejectsEmptyID(t *testing.T) {
	repo := NewMemoryRepository()
	if err := repo.Save(context.Background(), models.StreamingSession{}); err == nil {
		t.Fatal("expected save without id to fail")
	}
}

func TestMemoryRepositoryListNewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"sess-1", "sess-2", "sess-3"} {
		session := storedSession(id, base.Add(time.Duration(i)*time.Minute), models.SessionStopped)
		if err := repo.Save(ctx, session); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	all, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if all[0].ID != "sess-3" || all[2].ID != "sess-1" {
		t.Fatalf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	limited, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "sess-3" {
		t.Fatalf("expected limit applied from newest, got %+v", limited)
	}
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.Save(ctx, storedSession("sess-1", time.Now().UTC(), models.SessionLive)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Platforms[0].Status = models.PlatformError

	again, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again.Platforms[0].Status != models.PlatformLive {
		t.Fatal("expected stored record isolated from caller mutation")
	}
}
