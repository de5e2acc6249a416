package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event kinds written to the dispatch journal topic.
const (
	KindRequestCreated  = "request_created"
	KindRequestAccepted = "request_accepted"
	KindRequestRejected = "request_rejected"
	KindDriverOnline    = "driver_online"
	KindDriverOffline   = "driver_offline"
)

// JournalEvent is one dispatch state change, keyed by the entity it touches
// so per-entity ordering survives partitioning.
type JournalEvent struct {
	Kind        string    `json:"kind"`
	RequestID   string    `json:"request_id,omitempty"`
	DriverID    string    `json:"driver_id,omitempty"`
	TaxiStandID string    `json:"taxi_stand_id,omitempty"`
	At          time.Time `json:"at"`
}

func (e JournalEvent) key() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.DriverID
}

// Journal publishes dispatch state changes to Kafka. Publishing is
// best-effort from the engine's perspective; callers log and move on.
type Journal struct {
	writer *kafka.Writer
}

func NewJournal(brokers []string, topic string) *Journal {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Journal{writer: w}
}

func (j *Journal) Publish(ctx context.Context, ev JournalEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, _ := json.Marshal(ev)
	return j.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.key()), Value: b})
}

func (j *Journal) Close() error {
	if j.writer == nil {
		return nil
	}
	return j.writer.Close()
}
