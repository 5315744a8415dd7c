package statebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConsumer reads Gate 2 event records off an upstream NAS/AMF
// event bus (spec.md §4.N). The engine itself never sees a
// kafka.Message: ReadMessage hands back the opaque Message this
// package's Consumer interface defines, so swapping the transport
// later (a different broker, a direct gRPC feed) touches nothing
// downstream of it.
type KafkaConsumer struct {
	reader kafkaReader
	topic  string
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Stats() kafka.ReaderStats
	Close() error
}

// KafkaConfig names the topic an AMF/NAS simulator (or a real
// control-plane bus) publishes Gate 2 events to, and the consumer
// group this gateway instance joins so multiple replicas share the
// topic's partitions rather than each replaying every event.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaConsumer joins the configured consumer group against the
// NAS event topic. MaxWait is kept short (the default below) so a
// quiet topic doesn't delay the gateway's shutdown path, since
// ReadMessage's context is cancelled on every poll interval rather
// than blocking indefinitely on an idle partition.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r, topic: cfg.Topic}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

// Lag reports how far this consumer group trails the NAS event
// topic's newest offset, summed across the partitions this reader
// currently owns. It is advisory telemetry, not used for any
// admission decision: a growing lag means NAS events are arriving
// faster than Gate 2 can process them, not that any one subscriber's
// state is wrong.
func (c *KafkaConsumer) Lag() int64 {
	if c == nil || c.reader == nil {
		return 0
	}
	return c.reader.Stats().Lag
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
