// Package ingest carries driver location reports from the device firehose
// into the geo index, directly or through Kafka.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// LocationUpdate is one position report as sent by a driver device.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	At       time.Time `json:"ts,omitempty"`
}

func (u LocationUpdate) Coord() models.Coord { return models.Coord{Lat: u.Lat, Lon: u.Lon} }

func (u LocationUpdate) Validate() error {
	if u.DriverID == "" {
		return apperr.Validation(apperr.CodeMissingID, "driver_id is required")
	}
	if !u.Coord().Valid() {
		return apperr.Validation(apperr.CodeInvalidCoordinates, fmt.Sprintf("invalid position %v,%v", u.Lat, u.Lon))
	}
	return nil
}

// Decode parses and validates a wire message.
func Decode(b []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return LocationUpdate{}, apperr.Validation(apperr.CodeInvalidCoordinates, "malformed location: "+err.Error())
	}
	return u, u.Validate()
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		// location reports are superseded quickly; do not block the caller
		Async: true,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
