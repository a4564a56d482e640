package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

const (
	onlineSetKey = "signal:peers:online"
	onlineTTL    = 24 * time.Hour
)

// RedisStore mirrors the relay's online-peer set into Redis so the rest of
// the platform (expert availability badges, admin dashboards) can query it
// without a connection to the relay. Best-effort: errors are logged by the
// caller and never affect routing.
type RedisStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis for presence mirroring", "address", address, "db", db)

	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) MarkOnline(ctx context.Context, peerID domain.PeerID) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, onlineSetKey, string(peerID))
	pipe.Expire(ctx, onlineSetKey, onlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark peer online: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkOffline(ctx context.Context, peerID domain.PeerID) error {
	if err := s.client.SRem(ctx, onlineSetKey, string(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to mark peer offline: %w", err)
	}
	return nil
}

func (s *RedisStore) Online(ctx context.Context) ([]domain.PeerID, error) {
	members, err := s.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online peers: %w", err)
	}

	ids := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		ids = append(ids, domain.PeerID(m))
	}
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
