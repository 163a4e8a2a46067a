package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/giftsched/internal/service/notify"
)

const kafkaClientID = "gift-service"

// notificationSink собирает всё, что зависит от Kafka. Без брокеров producer nil,
// события пишутся только в лог, а outbox помечает неотправляемые сообщения failed без DLQ.
type notificationSink struct {
	producer *kafka.Producer
	topic    string
	dlqTopic string
	logger   *log.Entry
}

// openNotificationSink не валит запуск: недоступная Kafka означает работу только с логом.
func openNotificationSink(cfg Config, logger *log.Entry) (*notificationSink, error) {
	sink := &notificationSink{
		topic:    cfg.KafkaNotificationTopic,
		dlqTopic: cfg.KafkaOutboxDLQTopic,
		logger:   logger,
	}

	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return sink, nil
	}

	producer, err := kafka.NewProducer(brokers,
		kafka.WithClientID(kafkaClientID),
		kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")),
	)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("kafka unavailable, notifications go to the log only")
		return sink, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer connected")
	sink.producer = producer
	return sink, nil
}

// Notifier публикует события в Kafka, если она есть, и всегда пишет их в лог.
func (s *notificationSink) Notifier() domain.Notifier {
	logNotifier := notify.NewLogNotifier(s.logger.WithField("component", "notifier"))
	if s.producer == nil {
		return logNotifier
	}
	return notify.Multi{kafka.NewNotifier(s.producer, s.topic), logNotifier}
}

// DeadLetter возвращает nil без Kafka.
func (s *notificationSink) DeadLetter() domain.OutboxPublisher {
	if s.producer == nil {
		return nil
	}
	return kafka.NewOutboxDLQPublisher(s.producer, s.dlqTopic)
}

func (s *notificationSink) Close() {
	if s == nil || s.producer == nil {
		return
	}
	if err := s.producer.Close(); err != nil {
		s.logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	s.logger.Info("kafka producer closed")
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
