package memory

import (
	"context"
	"sort"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

type MemoryRoomDirectory struct {
	rooms map[domain.RoomID]domain.RoomSummary
	mu    sync.RWMutex
}

func NewMemoryRoomDirectory() ports.RoomDirectory {
	return &MemoryRoomDirectory{
		rooms: make(map[domain.RoomID]domain.RoomSummary),
	}
}

func (r *MemoryRoomDirectory) Upsert(ctx context.Context, summary domain.RoomSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// keep the first creation time across updates
	if existing, ok := r.rooms[summary.ID]; ok && !existing.CreatedAt.IsZero() {
		summary.CreatedAt = existing.CreatedAt
	}
	r.rooms[summary.ID] = summary
	return nil
}

func (r *MemoryRoomDirectory) Remove(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomDirectory) Get(ctx context.Context, id domain.RoomID) (*domain.RoomSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return &summary, nil
}

func (r *MemoryRoomDirectory) List(ctx context.Context) ([]domain.RoomSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]domain.RoomSummary, 0, len(r.rooms))
	for _, summary := range r.rooms {
		rooms = append(rooms, summary)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}
