package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is the wire form of a presence change on the feed channel.
type Event struct {
	Type        domain.EventType  `json:"type"`
	InstanceID  string            `json:"instance_id"`
	Timestamp   time.Time         `json:"timestamp"`
	RoomID      domain.RoomID     `json:"room_id"`
	Seq         uint64            `json:"seq"`
	PeerHandle  domain.PeerHandle `json:"peer_handle,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	// Participants left in the room after this event.
	Participants int `json:"participants"`
}

// EventBus publishes presence changes to a Redis pub/sub channel for
// observers outside the signaling server.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"peer_handle", event.PeerHandle,
	)

	return nil
}

// PublishPresence converts a presence event and publishes it.
func (eb *EventBus) PublishPresence(ctx context.Context, evt domain.PresenceEvent, room domain.RoomSummary) error {
	return eb.Publish(ctx, &Event{
		Type:         evt.Type,
		Timestamp:    evt.Timestamp,
		RoomID:       evt.RoomID,
		Seq:          evt.Seq,
		PeerHandle:   evt.Handle,
		DisplayName:  evt.DisplayName,
		Participants: room.ParticipantCount,
	})
}

// Subscribe calls handler for each event published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := eb.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
