// Package ingest streams driver positions to Kafka so processes other than
// the one holding the driver's connection can follow them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rideshare/internal/models"
)

var ErrInvalidEvent = errors.New("ingest: invalid location event")

// LocationEvent is one message on the location topic. Online=false means
// the driver stopped offering and must leave the index.
type LocationEvent struct {
	DriverID string       `json:"driver_id"`
	Loc      models.Coord `json:"loc"`
	Online   bool         `json:"online"`
	At       time.Time    `json:"at"`
}

// Decode parses and validates a location message.
func Decode(b []byte) (LocationEvent, error) {
	var ev LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.DriverID == "" {
		return ev, fmt.Errorf("%w: missing driver id", ErrInvalidEvent)
	}
	if ev.Online && (ev.Loc.Lat < -90 || ev.Loc.Lat > 90 || ev.Loc.Lng < -180 || ev.Loc.Lng > 180) {
		return ev, fmt.Errorf("%w: coordinate out of range", ErrInvalidEvent)
	}
	return ev, nil
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, Async: false}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation mirrors a live position. Keyed by driver so one driver's
// updates stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, driverID string, loc models.Coord) error {
	return k.write(ctx, LocationEvent{DriverID: driverID, Loc: loc, Online: true, At: time.Now().UTC()})
}

func (k *KafkaProducer) PublishOffline(ctx context.Context, driverID string) error {
	return k.write(ctx, LocationEvent{DriverID: driverID, At: time.Now().UTC()})
}

func (k *KafkaProducer) write(ctx context.Context, ev LocationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
