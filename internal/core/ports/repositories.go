package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

// RoomDirectory is a read model of active rooms. It trails the authoritative
// presence state and is never consulted by the presence manager.
type RoomDirectory interface {
	Upsert(ctx context.Context, summary domain.RoomSummary) error
	Remove(ctx context.Context, id domain.RoomID) error
	Get(ctx context.Context, id domain.RoomID) (*domain.RoomSummary, error)
	List(ctx context.Context) ([]domain.RoomSummary, error)
}
