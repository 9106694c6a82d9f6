package maps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/rideshare/internal/models"
)

type countingNav struct {
	geocodes atomic.Int32
	routes   atomic.Int32
	fail     bool
	delay    time.Duration
}

func (c *countingNav) Geocode(_ context.Context, address string) (models.Coord, error) {
	c.geocodes.Add(1)
	time.Sleep(c.delay)
	if c.fail {
		return models.Coord{}, ErrNotFound
	}
	return models.Coord{Lat: 1, Lng: 2}, nil
}

func (c *countingNav) Route(_ context.Context, from, to models.Coord) (Route, error) {
	c.routes.Add(1)
	if c.fail {
		return Route{}, ErrUnavailable
	}
	return Route{DistanceMeters: 1000, Duration: 3 * time.Minute}, nil
}

func TestCachedMemoizesSuccess(t *testing.T) {
	next := &countingNav{}
	c := NewCached(next, time.Minute, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Geocode(ctx, " 1 Main St "); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Route(ctx, models.Coord{Lat: 1}, models.Coord{Lat: 2}); err != nil {
			t.Fatal(err)
		}
	}
	if next.geocodes.Load() != 1 || next.routes.Load() != 1 {
		t.Fatalf("expected one provider call each, got geocode=%d route=%d", next.geocodes.Load(), next.routes.Load())
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	next := &countingNav{fail: true}
	c := NewCached(next, time.Minute, time.Minute)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Geocode(ctx, "nowhere"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if next.geocodes.Load() != 2 {
		t.Fatalf("failure was cached")
	}
}

func TestCachedCollapsesConcurrentLookups(t *testing.T) {
	next := &countingNav{delay: 50 * time.Millisecond}
	c := NewCached(next, time.Minute, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Geocode(context.Background(), "same")
		}()
	}
	wg.Wait()
	if n := next.geocodes.Load(); n > 2 {
		t.Fatalf("expected collapsed lookups, got %d provider calls", n)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache[int](10 * time.Millisecond)
	c.Set("k", 1)
	if v, ok := c.Get("k"); !ok || v != 1 {
		t.Fatalf("expected hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted")
	}
}

func TestStaticGeocoder(t *testing.T) {
	g := StaticGeocoder{Places: map[string]models.Coord{"union station": {Lat: 43.645, Lng: -79.38}}}
	ctx := context.Background()
	if c, err := g.Geocode(ctx, "Union Station"); err != nil || c.Lat != 43.645 {
		t.Fatalf("table lookup failed: %v %+v", err, c)
	}
	if c, err := g.Geocode(ctx, "43.7, -79.4"); err != nil || c.Lng != -79.4 {
		t.Fatalf("literal parse failed: %v %+v", err, c)
	}
	for _, bad := range []string{"", "somewhere", "91,0", "1,2,3"} {
		if _, err := g.Geocode(ctx, bad); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", bad, err)
		}
	}
}

func TestStraightLineAndFallback(t *testing.T) {
	ctx := context.Background()
	sl := StraightLine{SpeedMps: 10}
	r, err := sl.Route(ctx, models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0})
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceMeters < 1100 || r.DistanceMeters > 1120 {
		t.Fatalf("unexpected distance %f", r.DistanceMeters)
	}
	if r.Duration < 110*time.Second || r.Duration > 112*time.Second {
		t.Fatalf("unexpected duration %s", r.Duration)
	}

	fb := WithFallback(&countingNav{fail: true}, sl)
	if got, err := fb.Route(ctx, models.Coord{}, models.Coord{Lat: 0.01}); err != nil || got.DistanceMeters == 0 {
		t.Fatalf("fallback not used: %v %+v", err, got)
	}
}

func TestOSRMRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/-79.380000,43.650000;-79.400000,43.700000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":600,"distance":7500}]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL)
	r, err := o.Route(context.Background(), models.Coord{Lat: 43.65, Lng: -79.38}, models.Coord{Lat: 43.7, Lng: -79.4})
	if err != nil {
		t.Fatal(err)
	}
	if r.Minutes() != 10 || r.DistanceMeters != 7500 {
		t.Fatalf("unexpected route %+v", r)
	}
}

func TestOSRMNoRouteIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	_, err := NewOSRM(srv.URL).Route(context.Background(), models.Coord{}, models.Coord{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
