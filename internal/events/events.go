// Package events publishes image lifecycle notifications. Publishing is
// advisory: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type Type string

const (
	ImageUploaded  Type = "image.uploaded"
	ImageProcessed Type = "image.processed"
	ArtifactSwept  Type = "artifact.swept"
)

type Event struct {
	Type       Type            `json:"type"`
	ImageID    int64           `json:"imageId,omitempty"`
	ArtifactID string          `json:"artifactId"`
	Operation  string          `json:"operation,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Size       int64           `json:"size,omitempty"`
	MimeType   string          `json:"mimeType,omitempty"`
	At         time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events as JSON, keyed by image id so that events of one image
// stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafka(broker, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	const op = "events.Publish"

	if ev.At.IsZero() {
		ev.At = k.now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	key := ev.ArtifactID
	if ev.ImageID != 0 {
		key = strconv.FormatInt(ev.ImageID, 10)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
