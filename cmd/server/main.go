package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare/internal/config"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/fare"
	"github.com/example/rideshare/internal/gateway"
	"github.com/example/rideshare/internal/geo"
	httpapi "github.com/example/rideshare/internal/http"
	"github.com/example/rideshare/internal/ingest"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/maps"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/payments"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/session"
	"github.com/example/rideshare/internal/storage"
)

// stores groups the persistence backends chosen at startup.
type stores struct {
	rides        storage.RideStore
	profiles     storage.ProfileStore
	accounts     storage.AccountStore
	transactions storage.TransactionStore
	rejections   storage.RejectionStore
	ping         []func(context.Context) error
	closers      []func() error
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("server", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, index, bus, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range st.closers {
			_ = c()
		}
	}()

	nav, err := buildNavigator(cfg, logger)
	if err != nil {
		logger.Error("maps setup failed", "error", err)
		os.Exit(1)
	}

	rides := &ride.Service{
		Rides:      st.rides,
		Rejections: st.rejections,
		Profiles:   st.profiles,
		Accounts:   st.accounts,
		Geocoder:   nav,
		Logger:     logger,
	}
	ledger := &payments.Ledger{
		Accounts:     st.accounts,
		Transactions: st.transactions,
		Currency:     cfg.StripeCurrency,
		Logger:       logger,
	}
	if cfg.StripeKey != "" {
		ledger.Processor = payments.NewStripeProcessor(cfg.StripeKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, balance payments disabled")
	}

	deps := &session.Deps{
		Index:          index,
		Bus:            bus,
		Rides:          rides,
		Profiles:       st.profiles,
		Rejections:     st.rejections,
		Navigator:      nav,
		Fare:           fare.Default,
		Settler:        ledger,
		SearchRadiusKm: cfg.SearchRadiusKm,
		Logger:         logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		deps.Locations = kp
		st.closers = append(st.closers, kp.Close)
		logger.Info("mirroring driver locations to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	auth := gateway.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	gw := gateway.New(auth, deps, logger)

	api := httpapi.NewServer(httpapi.Options{
		Auth:     auth,
		Rides:    rides,
		Profiles: st.profiles,
		Ledger:   ledger,
		Bus:      bus,
		Realtime: gw,
		Ready: func(ctx context.Context) error {
			for _, p := range st.ping {
				if err := p(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	srv.RegisterOnShutdown(gw.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rideshare listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("shutdown complete", "open_connections", gw.Connections())
}

// openBackends picks Redis and PostgreSQL when configured and in-memory
// implementations otherwise.
func openBackends(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*stores, geo.Index, events.Bus, error) {
	st := &stores{}
	var index geo.Index
	var bus events.Bus

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, nil, err
		}
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		bus = events.NewRedisBus(rc, logger)
		st.rejections = storage.NewRedisRejections(rc, cfg.RejectionTTL)
		st.ping = append(st.ping, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		st.closers = append(st.closers, rc.Close)
		logger.Info("using redis for geo index, events and rejections", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemoryIndex()
		mb := events.NewMemoryBus(logger)
		bus = mb
		st.closers = append(st.closers, mb.Close)
		logger.Warn("REDIS_ADDR not set, realtime state is process local")
	}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				_ = ps.Close()
				return nil, nil, nil, err
			}
			logger.Info("migrations applied", "files", applied)
		}
		st.rides, st.profiles, st.accounts, st.transactions = ps, ps, ps, ps
		st.ping = append(st.ping, ps.Ping)
		st.closers = append(st.closers, ps.Close)
	} else {
		ms := storage.NewMemoryStore()
		st.rides, st.profiles, st.accounts, st.transactions = ms, ms, ms, ms
		if st.rejections == nil {
			st.rejections = ms
		}
		logger.Warn("PG_DSN not set, using in-memory stores")
	}
	if st.rejections == nil {
		st.rejections = storage.NewMemoryStore()
	}
	return st, index, bus, nil
}

// buildNavigator composes geocoding and routing providers behind a cache.
// Google serves both when a key is set; otherwise addresses resolve from
// the configured places and routes come from OSRM or the straight-line
// estimate.
func buildNavigator(cfg config.ServerConfig, logger *slog.Logger) (maps.Navigator, error) {
	estimate := maps.StraightLine{SpeedMps: cfg.DefaultSpeedMps}

	var geocoder maps.Geocoder
	var router maps.Router = estimate
	if cfg.OSRMEndpoint != "" {
		router = maps.WithFallback(maps.NewOSRM(cfg.OSRMEndpoint), estimate)
	}
	if cfg.GoogleMapsKey != "" {
		g, err := maps.NewGoogle(cfg.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		geocoder = g
		router = maps.WithFallback(g, router)
	} else {
		places := make(map[string]models.Coord, len(cfg.Places))
		for name, v := range cfg.Places {
			c, ok := maps.ParseLatLng(v)
			if !ok {
				logger.Warn("ignoring place with bad coordinates", "name", name, "value", v)
				continue
			}
			places[name] = c
		}
		geocoder = maps.StaticGeocoder{Places: places}
		logger.Warn("GOOGLE_MAPS_API_KEY not set, geocoding from configured places", "places", len(places))
	}
	return maps.NewCached(maps.Compose(geocoder, router), cfg.GeocodeTTL, cfg.RouteTTL), nil
}
