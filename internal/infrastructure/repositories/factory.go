package repositories

import (
	"context"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/repositories/memory"
	redisrepo "meshroom/internal/infrastructure/repositories/redis"
	"meshroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory for one coordinator
// instance. An unreachable Redis degrades to memory repositories rather than
// failing startup.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			OpTimeout:    cfg.Redis.OpTimeout,
			ClientName:   "meshroom-signal:" + instanceID,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// DirectoryPrefix is the key namespace of this instance's room directory.
// Coordinators sharing one Redis never touch each other's entries.
func (f *RepositoryFactory) DirectoryPrefix() string {
	return f.cfg.Redis.KeyPrefix + "instance:" + f.instanceID + ":"
}

// CreateRoomDirectory creates the room directory. The Redis variant drops
// what this instance listed before a restart, since presence state starts
// empty; other instances' rooms are left alone.
func (f *RepositoryFactory) CreateRoomDirectory(ctx context.Context) ports.RoomDirectory {
	if f.useRedis && f.redisClient != nil {
		dir := redisrepo.NewRedisRoomDirectory(f.redisClient, f.DirectoryPrefix(), f.cfg.Redis.DirectoryTTL)
		if err := dir.(*redisrepo.RedisRoomDirectory).Reset(ctx); err != nil {
			f.logger.Warnw("failed to reset room directory", "instance_id", f.instanceID, "error", err)
		}
		return dir
	}
	return memory.NewMemoryRoomDirectory()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
