package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions configure the client shared by the room directory and the
// presence channel.
type ClientOptions struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	// OpTimeout bounds every read and write on a pooled connection.
	OpTimeout time.Duration
	// ClientName shows up in CLIENT LIST; the instance ID makes coordinators
	// sharing one Redis distinguishable.
	ClientName string
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.MinIdleConns < 0 || o.MinIdleConns > o.PoolSize {
		o.MinIdleConns = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// NewRedisClient builds the pooled client and pings it once within
// DialTimeout. A failed ping closes the client.
func NewRedisClient(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		ClientName:   opts.ClientName,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"client_name", opts.ClientName,
			"pool_size", opts.PoolSize,
			"min_idle_conns", opts.MinIdleConns,
		)
	}
	return client, nil
}
