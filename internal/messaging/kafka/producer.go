package kafka

import (
	"slices"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "giftsched"

var errProducerNotInitialized = errors.New("kafka producer is not initialized")

// Producer публикует уведомления и DLQ-записи синхронно: вызывающий узнаёт об ошибке брокера сразу.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// ProducerOption настраивает NewProducer.
type ProducerOption func(*producerSettings)

type producerSettings struct {
	clientID string
	logger   *log.Entry
}

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(s *producerSettings) { s.clientID = id }
}

func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(s *producerSettings) { s.logger = logger }
}

// NewProducer подключается к брокерам с идемпотентной отправкой и подтверждением от всех реплик.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	settings := producerSettings{clientID: defaultClientID}
	for _, opt := range opts {
		opt(&settings)
	}

	producer, err := sarama.NewSyncProducer(brokers, producerConfig(settings.clientID))
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return NewProducerWith(producer, settings.logger), nil
}

// producerConfig: идемпотентный producer требует acks=all и одного запроса в полёте.
func producerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewProducerWith оборачивает готовый SyncProducer (в тестах это sarama/mocks).
func NewProducerWith(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishRaw отправляет готовое тело. Пустой key оставляет выбор партиции балансировщику.
func (p *Producer) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialized
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: p.now(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return errors.Wrapf(err, "send to %s", topic)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// recordHeaders сортирует ключи, чтобы порядок заголовков не зависел от обхода map.
func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return errors.Wrap(p.producer.Close(), "close kafka producer")
}
