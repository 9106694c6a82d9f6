package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideshare/internal/config"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/ingest"
	"github.com/example/rideshare/internal/logging"
	"github.com/example/rideshare/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Online positions dropped for being older than the staleness window",
	})
	indexUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates by kind",
	}, []string{"kind"})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, indexUpdates, indexErrors)
}

// maxPositionAge bounds how old an online position may be when applied, so a
// lagging consumer does not resurrect a driver that has since gone offline.
const maxPositionAge = 30 * time.Second

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger("consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	bus := events.NewRedisBus(rc, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	rl := &relay{index: index, bus: bus, logger: logger, now: time.Now, attempts: 3, delay: 200 * time.Millisecond}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		if err := rl.handle(ctx, m.Value); err != nil && !errors.Is(err, ingest.ErrInvalidEvent) {
			indexErrors.Inc()
			logger.Error("index update failed", "key", string(m.Key), "error", err)
		}
	}
}

// PositionWriter is the subset of the geo index the relay writes to.
type PositionWriter interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
}

// Publisher announces index changes to realtime sessions.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// relay applies location events to the shared index and announces the
// movement so rider sessions in every process refresh their snapshots.
type relay struct {
	index    PositionWriter
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time
	attempts int
	delay    time.Duration
}

func (rl *relay) handle(ctx context.Context, raw []byte) error {
	ev, err := ingest.Decode(raw)
	if err != nil {
		msgsInvalid.Inc()
		rl.logger.Warn("invalid message", "error", err)
		return err
	}
	if ev.Online && !ev.At.IsZero() && rl.now().Sub(ev.At) > maxPositionAge {
		msgsStale.Inc()
		rl.logger.Debug("stale position dropped", "driver_id", ev.DriverID, "at", ev.At)
		return nil
	}
	if err := updateWithRetry(ctx, rl.index, ev, rl.attempts, rl.delay); err != nil {
		return err
	}
	kind := "upsert"
	if !ev.Online {
		kind = "remove"
	}
	indexUpdates.WithLabelValues(kind).Inc()
	if err := rl.bus.Publish(ctx, events.DriverMovement(), ""); err != nil {
		rl.logger.Warn("publish driver movement failed", "driver_id", ev.DriverID, "error", err)
	}
	return nil
}

// updateWithRetry applies one event to the index, backing off between
// failed attempts.
func updateWithRetry(ctx context.Context, w PositionWriter, ev ingest.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if ev.Online {
			err = w.Upsert(ctx, ev.DriverID, ev.Loc)
		} else {
			err = w.Remove(ctx, ev.DriverID)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
