package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare/internal/models"
)

// RedisIndex implements Index using Redis GEO commands on a single sorted set.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = "drivers"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: driverID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Position(ctx context.Context, driverID string) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Coord{}, false, fmt.Errorf("geopos %s: %w", driverID, err)
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lng: res[0].Longitude}, true, nil
}

func (r *RedisIndex) QueryRadius(ctx context.Context, centre models.Coord, radiusKm float64) ([]models.DriverPosition, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  centre.Lng,
			Latitude:   centre.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]models.DriverPosition, 0, len(res))
	for _, g := range res {
		out = append(out, models.DriverPosition{
			DriverID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist * 1000,
		})
	}
	return out, nil
}
