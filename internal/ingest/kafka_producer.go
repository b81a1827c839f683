package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer fans driver heartbeats out to the location stream. The HTTP
// handler answers the driver before the write lands; downstream consumers
// (cmd/consumer) feed the shared Redis geo index from this topic.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishHeartbeat(ev models.HeartbeatEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
