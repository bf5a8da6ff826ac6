package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// KafkaArchiver writes every analysis, passed or not, to an archive topic
// for offline reprocessing. Produce is async; errors are logged in the
// callback and never reach the cycle.
type KafkaArchiver struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// NewKafkaArchiver connects the producer.
func NewKafkaArchiver(brokers []string, topic string, logger zerolog.Logger) (*KafkaArchiver, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaArchiver{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "kafka").Str("topic", topic).Logger(),
	}, nil
}

// PublishAnalysis archives one analysis keyed by token address.
func (k *KafkaArchiver) PublishAnalysis(a *types.CombinedAnalysis) {
	data, err := json.Marshal(a)
	if err != nil {
		k.logger.Error().Err(err).Str("address", a.Address).Msg("Analysis marshal failed")
		return
	}
	record := &kgo.Record{
		Key:   []byte(a.Address),
		Value: data,
	}
	k.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			metrics.RecordEventPublishError("kafka")
			k.logger.Error().Err(err).Str("address", a.Address).Msg("Archive produce failed")
			return
		}
		metrics.RecordEventPublished("kafka")
	})
}

// Close flushes outstanding produces and releases the client.
func (k *KafkaArchiver) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	k.client.Flush(ctx)
	k.client.Close()
}
