package distributed

import (
	"context"
	"sync"
	"sync/atomic"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"go.uber.org/zap"
)

// Publisher forwards presence changes to external observers.
type Publisher interface {
	PublishPresence(ctx context.Context, evt domain.PresenceEvent, room domain.RoomSummary) error
}

type feedItem struct {
	evt  domain.PresenceEvent
	room domain.RoomSummary
}

// PresenceFeed applies presence changes to the room directory and the
// publisher off the presence manager's critical path. Only joins and leaves
// are fed; chat and signal relays do not change room state.
type PresenceFeed struct {
	directory ports.RoomDirectory
	publisher Publisher

	queue   chan feedItem
	dropped atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.SugaredLogger
}

// NewPresenceFeed creates a feed; publisher may be nil.
func NewPresenceFeed(directory ports.RoomDirectory, publisher Publisher, queueSize int, logger *zap.SugaredLogger) *PresenceFeed {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &PresenceFeed{
		directory: directory,
		publisher: publisher,
		queue:     make(chan feedItem, queueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// OnPresenceEvent never blocks; when the queue is full the change is
// dropped and counted. The next change to the same room repairs the
// directory entry.
func (f *PresenceFeed) OnPresenceEvent(evt domain.PresenceEvent, room domain.RoomSummary) {
	if evt.Type != domain.EventParticipantJoined && evt.Type != domain.EventParticipantLeft {
		return
	}
	select {
	case f.queue <- feedItem{evt: evt, room: room}:
	default:
		f.dropped.Add(1)
		f.logger.Warnw("presence feed queue full, dropping event",
			"room_id", evt.RoomID,
			"event", evt.Type,
		)
	}
}

// Run drains the queue until ctx is done or Stop is called.
func (f *PresenceFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case item := <-f.queue:
			f.apply(ctx, item)
		}
	}
}

func (f *PresenceFeed) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

func (f *PresenceFeed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *PresenceFeed) apply(ctx context.Context, item feedItem) {
	var err error
	if item.room.ParticipantCount == 0 {
		err = f.directory.Remove(ctx, item.room.ID)
	} else {
		err = f.directory.Upsert(ctx, item.room)
	}
	if err != nil {
		f.logger.Warnw("failed to update room directory",
			"room_id", item.room.ID,
			"error", err,
		)
	}

	if f.publisher == nil {
		return
	}
	if err := f.publisher.PublishPresence(ctx, item.evt, item.room); err != nil {
		f.logger.Warnw("failed to publish presence event",
			"room_id", item.evt.RoomID,
			"event", item.evt.Type,
			"error", err,
		)
	}
}
