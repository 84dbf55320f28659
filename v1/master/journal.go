package master

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	uuid "github.com/hashicorp/go-uuid"
)

// EventKind names a transition recorded by a Journal.
type EventKind string

const (
	EventGranted  EventKind = "granted"
	EventReleased EventKind = "released"
	EventRejected EventKind = "rejected"
)

// Event is one lock transition observed by the master.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	OwnerID uint64    `json:"owner_id"`
	Holder  string    `json:"holder"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Journal records lock transitions for auditing.
type Journal interface {
	Record(ctx context.Context, evt Event) error
}

// NopJournal discards every event.
type NopJournal struct{}

// Record implements Journal.
func (NopJournal) Record(context.Context, Event) error { return nil }

// KafkaJournal publishes events to a Kafka topic keyed by owner, so every
// owner's history stays ordered within one partition.
type KafkaJournal struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaJournal returns a journal writing to topic through producer.
func NewKafkaJournal(producer sarama.SyncProducer, topic string) *KafkaJournal {
	return &KafkaJournal{producer: producer, topic: topic}
}

// DialKafkaJournal connects a sync producer to brokers and returns a journal on topic.
func DialKafkaJournal(brokers []string, topic string, cfg *sarama.Config) (*KafkaJournal, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaJournal(producer, topic), nil
}

// Record implements Journal.
func (j *KafkaJournal) Record(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		evt.ID = id
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = j.producer.SendMessage(&sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(evt.OwnerID, 10)),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Close closes the underlying producer.
func (j *KafkaJournal) Close() error {
	return j.producer.Close()
}
