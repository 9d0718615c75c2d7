package reliability

import (
	"context"
	"errors"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/distributed"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/retry"

	"go.uber.org/zap"
)

// ResilientPublisher retries presence publishes briefly and stops calling
// the broker while it keeps failing, so a Redis outage does not back up the
// presence feed.
type ResilientPublisher struct {
	next    distributed.Publisher
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewResilientPublisher(
	next distributed.Publisher,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ResilientPublisher {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen, context.Canceled)
	if cbConfig.Name == "" {
		cbConfig.Name = "presence-publisher"
	}
	return &ResilientPublisher{
		next:  next,
		retry: retryConfig,
		breaker: circuitbreaker.New(cbConfig, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
			logger.Infow("presence publisher circuit breaker state changed",
				"breaker", cbConfig.Name,
				"from", from.String(),
				"to", to.String(),
			)
		})),
		logger: logger,
	}
}

func (p *ResilientPublisher) PublishPresence(ctx context.Context, evt domain.PresenceEvent, room domain.RoomSummary) error {
	err := retry.Retry(ctx, p.retry, func() error {
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.next.PublishPresence(ctx, evt, room)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		p.logger.Debugw("presence publish skipped, broker unavailable", "room_id", evt.RoomID)
	}
	return err
}

func (p *ResilientPublisher) State() circuitbreaker.State {
	return p.breaker.State()
}
