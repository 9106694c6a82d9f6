package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRejections keeps each ride's rejected set in a Redis set so every
// server instance filters the same drivers.
type RedisRejections struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRejections expires sets after ttl as a backstop for rides that
// never leave Searching. Zero disables expiry.
func NewRedisRejections(client redis.UniversalClient, ttl time.Duration) *RedisRejections {
	return &RedisRejections{client: client, ttl: ttl}
}

func rejectedKey(rideID string) string { return "rejectedRides:" + rideID }

func (r *RedisRejections) AddRejection(ctx context.Context, rideID, driverID string) error {
	key := rejectedKey(rideID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, driverID)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRejections) IsRejected(ctx context.Context, rideID, driverID string) (bool, error) {
	return r.client.SIsMember(ctx, rejectedKey(rideID), driverID).Result()
}

func (r *RedisRejections) ClearRejections(ctx context.Context, rideID string) error {
	return r.client.Del(ctx, rejectedKey(rideID)).Err()
}
