package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/rideshare/internal/models"
)

// Index is the live set of offering drivers. Implementations must be safe
// for concurrent upserts, removals and queries.
type Index interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	// QueryRadius returns drivers within radiusKm of centre, nearest first.
	QueryRadius(ctx context.Context, centre models.Coord, radiusKm float64) ([]models.DriverPosition, error)
	Position(ctx context.Context, driverID string) (models.Coord, bool, error)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	g.drivers[driverID] = loc
	g.mu.Unlock()
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	delete(g.drivers, driverID)
	g.mu.Unlock()
	return nil
}

func (g *MemoryIndex) Position(_ context.Context, driverID string) (models.Coord, bool, error) {
	g.mu.RLock()
	loc, ok := g.drivers[driverID]
	g.mu.RUnlock()
	return loc, ok, nil
}

// QueryRadius copies the map under the read lock and does the distance work
// outside it, so writers only ever wait for the copy.
func (g *MemoryIndex) QueryRadius(_ context.Context, centre models.Coord, radiusKm float64) ([]models.DriverPosition, error) {
	g.mu.RLock()
	snapshot := make([]models.DriverPosition, 0, len(g.drivers))
	for id, loc := range g.drivers {
		snapshot = append(snapshot, models.DriverPosition{DriverID: id, Loc: loc})
	}
	g.mu.RUnlock()

	limit := radiusKm * 1000
	out := snapshot[:0]
	for _, p := range snapshot {
		p.DistanceMeters = Haversine(centre.Lat, centre.Lng, p.Loc.Lat, p.Loc.Lng)
		if p.DistanceMeters <= limit {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out, nil
}

// Len is the number of indexed drivers.
func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
