package destination

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
)

// KafkaDestination produces one message per record to a topic per stream,
// keyed by the stream so a stream's records stay on one partition.
type KafkaDestination struct {
	producer    sarama.SyncProducer
	topicPrefix string
	logger      *zap.Logger
}

// NewKafka connects a synchronous producer to the configured brokers.
func NewKafka(cfg config.KafkaDestinationConfig, logger *zap.Logger) (*KafkaDestination, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, buildSaramaConfig(cfg))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create Kafka producer")
	}
	logger.Info("connected to Kafka", zap.Strings("brokers", cfg.Brokers))
	return NewKafkaWithProducer(cfg, producer, logger), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(cfg config.KafkaDestinationConfig, producer sarama.SyncProducer, logger *zap.Logger) *KafkaDestination {
	return &KafkaDestination{
		producer:    producer,
		topicPrefix: cfg.TopicPrefix,
		logger:      logger,
	}
}

func newKafkaFromConfig(_ context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return NewKafka(cfg.Kafka, logger)
}

// Topic returns the topic records of key are produced to.
func (d *KafkaDestination) Topic(key protocol.StreamKey) string {
	return d.topicPrefix + sanitize(key.String())
}

// Write implements Destination.
func (d *KafkaDestination) Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	if err := ctx.Err(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeTimeout, "write cancelled")
	}

	topic := d.Topic(key)
	msgKey := sarama.StringEncoder(key.String())
	messages := make([]*sarama.ProducerMessage, len(records))
	for i, r := range records {
		messages[i] = &sarama.ProducerMessage{
			Topic: topic,
			Key:   msgKey,
			Value: sarama.ByteEncoder(r.Raw()),
			Headers: []sarama.RecordHeader{
				{Key: []byte("emitted_at"), Value: []byte(strconv.FormatInt(r.EmittedAt(), 10))},
			},
		}
	}

	if err := d.producer.SendMessages(messages); err != nil {
		failed := len(messages)
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			failed = len(perrs)
		}
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to produce batch").
			WithDetail("topic", topic).
			WithDetail("failed", failed)
	}

	d.logger.Debug("batch produced", zap.String("topic", topic), zap.Int("records", len(records)))
	return nil
}

// Close implements Destination.
func (d *KafkaDestination) Close(context.Context) error {
	if err := d.producer.Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to close Kafka producer")
	}
	return nil
}

func buildSaramaConfig(cfg config.KafkaDestinationConfig) *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	switch cfg.RequiredAcks {
	case "local", "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none", "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// No producer retries: a failed batch goes back to the engine in order.
	sc.Producer.Retry.Max = 0
	sc.Net.MaxOpenRequests = 1

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
		sc.Version = sarama.V2_1_0_0
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sc.Producer.Timeout = timeout
	sc.Net.DialTimeout = timeout
	sc.Net.WriteTimeout = timeout
	sc.Net.ReadTimeout = timeout
	return sc
}
