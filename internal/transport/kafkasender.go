package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/event"
)

// KafkaConfig holds configuration for Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// producer is the part of *kafka.Producer the sender uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaSender produces one message per event with key=event_id for
// idempotency, and waits for every delivery report of the batch.
type KafkaSender struct {
	config   KafkaConfig
	producer producer
	opts     options
}

// NewKafkaSenderFromEnv creates a KafkaSender from environment variables
func NewKafkaSenderFromEnv(opts ...Option) *KafkaSender {
	brokers := splitList(getEnvOr("KAFKA_BROKERS", "localhost:9092"))

	config := KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", "trackpipe.events"),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   getEnvOr("KAFKA_COMPRESSION", ""),
		SASLMechanism: getEnvOr("KAFKA_SASL_MECHANISM", ""),
		SASLUser:      getEnvOr("KAFKA_SASL_USER", ""),
		SASLPassword:  getEnvOr("KAFKA_SASL_PASSWORD", ""),
		TLSCAPath:     getEnvOr("KAFKA_TLS_CA", ""),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}

	return NewKafkaSender(config, opts...)
}

// NewKafkaSender creates a KafkaSender with explicit configuration
func NewKafkaSender(config KafkaConfig, opts ...Option) *KafkaSender {
	if config.Acks == "" {
		config.Acks = "all"
	}
	return &KafkaSender{config: config, opts: buildOptions(opts)}
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) configMap() kafka.ConfigMap {
	configMap := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}

	if s.config.Compression != "" {
		configMap["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		configMap["security.protocol"] = "SASL_SSL"
		configMap["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			configMap["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			configMap["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			configMap["security.protocol"] = "SSL"
		}
		configMap["ssl.ca.location"] = s.config.TLSCAPath
	}

	if s.config.TLSSkipVerify {
		configMap["ssl.endpoint.identification.algorithm"] = "none"
	}
	return configMap
}

func (s *KafkaSender) Start(ctx context.Context) error {
	if len(s.config.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	if s.config.Topic == "" {
		return errors.New("kafka: no topic configured")
	}
	configMap := s.configMap()
	p, err := kafka.NewProducer(&configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = p
	go s.logProducerErrors(p.Events())
	return nil
}

// logProducerErrors drains client-level errors until the producer closes its
// event channel; delivery reports go to the per-batch channels instead.
func (s *KafkaSender) logProducerErrors(events <-chan kafka.Event) {
	for ev := range events {
		if kerr, isErr := ev.(kafka.Error); isErr {
			s.opts.logger.Warn("kafka client error", slog.String("error", kerr.Error()))
		}
	}
}

func (s *KafkaSender) message(env event.Envelope) (*kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(env.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Type)},
			{Key: "category", Value: []byte(env.Category)},
			{Key: "schema", Value: []byte("v1")},
		},
	}, nil
}

func (s *KafkaSender) Send(ctx context.Context, b *dispatch.Batch) error {
	if s.producer == nil {
		return errors.New("kafka producer not initialized")
	}
	envs, err := envelopes(b, s.opts.shape)
	if err != nil {
		return err
	}
	return s.SendEnvelopes(ctx, envs)
}

// SendEnvelopes produces one message per envelope and waits for every
// delivery report.
func (s *KafkaSender) SendEnvelopes(ctx context.Context, envs []event.Envelope) error {
	if s.producer == nil {
		return errors.New("kafka producer not initialized")
	}
	if len(envs) == 0 {
		return nil
	}

	delivery := make(chan kafka.Event, len(envs))
	produced := 0
	var firstErr error
	for _, env := range envs {
		msg, err := s.message(env)
		if err != nil {
			firstErr = err
			break
		}
		if err := s.producer.Produce(msg, delivery); err != nil {
			firstErr = kafkaError(fmt.Errorf("failed to produce message: %w", err))
			break
		}
		produced++
	}

	for i := 0; i < produced; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-delivery:
			m, ok := ev.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil && firstErr == nil {
				firstErr = kafkaError(fmt.Errorf("delivery failed: %w", m.TopicPartition.Error))
			}
		}
	}
	return firstErr
}

func (s *KafkaSender) Close() error {
	if s.producer == nil {
		return nil
	}

	// Flush any remaining messages (wait up to 10 seconds)
	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

// retriableKafkaError marks broker errors librdkafka considers transient.
type retriableKafkaError struct {
	err error
}

func (e *retriableKafkaError) Error() string   { return e.err.Error() }
func (e *retriableKafkaError) Unwrap() error   { return e.err }
func (e *retriableKafkaError) Retryable() bool { return true }

func kafkaError(err error) error {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return err
	}
	if kerr.IsRetriable() || kerr.IsTimeout() || kerr.Code() == kafka.ErrQueueFull {
		return &retriableKafkaError{err: err}
	}
	return err
}
