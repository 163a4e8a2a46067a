package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerRetries = 3
	defaultRetryDelay      = 200 * time.Millisecond
)

// ErrUndecodable — сообщение не является конвертом уведомления, повтор не поможет.
var ErrUndecodable = errors.New("undecodable notification")

// NotificationHandler получает разобранное уведомление.
type NotificationHandler func(ctx context.Context, n Notification) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger задаёт логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDeadLetter включает DLQ: после исчерпания попыток сообщение уходит в topic.
func WithDeadLetter(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// WithRetries задаёт число попыток обработки и паузу между ними.
func WithRetries(attempts int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// FromOldest читает новую группу с начала topic, а не с хвоста.
func FromOldest() ConsumerOption {
	return func(c *Consumer) { c.initialOffset = sarama.OffsetOldest }
}

// Consumer читает уведомления из consumer group и передаёт их обработчику.
type Consumer struct {
	group         sarama.ConsumerGroup
	topics        []string
	handle        NotificationHandler
	logger        *log.Entry
	dlq           *Producer
	dlqTopic      string
	maxAttempts   int
	retryDelay    time.Duration
	initialOffset int64
	wg            sync.WaitGroup
}

// NewConsumer подключается к группе groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handle NotificationHandler, opts ...ConsumerOption) (*Consumer, error) {
	c := newConsumer(nil, topics, handle, opts...)

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = c.initialOffset
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kafka consumer group")
	}
	c.group = group
	return c, nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handle NotificationHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:         group,
		topics:        topics,
		handle:        handle,
		logger:        log.WithField("component", "kafka-consumer"),
		dlqTopic:      TopicDeadLetterQueue,
		maxAttempts:   defaultConsumerRetries,
		retryDelay:    defaultRetryDelay,
		initialOffset: sarama.OffsetNewest,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение в фоне. Останавливается отменой ctx и вызовом Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.group == nil {
		return errors.New("kafka consumer group is not initialized")
	}
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.drainErrors()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		// Consume возвращается на каждом rebalance.
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.WithError(err).Error("consume session failed")
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.group.Errors() {
		c.logger.WithError(err).Error("consumer group error")
	}
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return errors.Wrap(err, "failed to close kafka consumer")
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim отмечает сообщение, только если оно обработано или ушло в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if err := c.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.WithError(err).WithFields(messageFields(msg)).Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(msg, "")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	n, err := ParseNotification(msg)
	if err != nil {
		return c.deadLetter(msg, previousAttempts(msg), err)
	}

	attempts, err := c.handleWithRetry(ctx, n, previousAttempts(msg))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.deadLetter(msg, attempts, err)
}

// handleWithRetry продолжает счёт попыток с x-retry-count, если сообщение уже переигрывалось.
func (c *Consumer) handleWithRetry(ctx context.Context, n Notification, done int) (int, error) {
	attempt := done
	for {
		err := c.handle(ctx, n)
		attempt++
		if err == nil {
			return attempt, nil
		}
		if attempt >= c.maxAttempts {
			return attempt, err
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"event_type": n.EventType,
			"key":        n.Key,
			"attempt":    attempt,
		}).Warn("notification handling failed, will retry")

		if c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
}

// deadLetter публикует сообщение в DLQ. Без DLQ нераспознанное сообщение пропускается,
// а ошибка обработчика возвращается вызывающему.
func (c *Consumer) deadLetter(msg *sarama.ConsumerMessage, attempts int, cause error) error {
	if c.dlq == nil {
		if errors.Is(cause, ErrUndecodable) {
			c.logger.WithError(cause).WithFields(messageFields(msg)).Warn("skipping undecodable message")
			return nil
		}
		return cause
	}

	headers := map[string]string{
		HeaderOriginalTopic: msg.Topic,
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      time.Now().UTC().Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(attempts),
	}
	if eventType := headerValue(msg, HeaderEventType); eventType != "" {
		headers[HeaderEventType] = eventType
	}
	if err := c.dlq.PublishRaw(c.dlqTopic, string(msg.Key), msg.Value, headers); err != nil {
		return errors.Wrap(err, "failed to send to DLQ")
	}

	c.logger.WithFields(messageFields(msg)).WithField("attempts", attempts).Info("message moved to DLQ")
	return nil
}

func previousAttempts(msg *sarama.ConsumerMessage) int {
	n, err := strconv.Atoi(headerValue(msg, HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func headerValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func messageFields(msg *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}
}

// ParseNotification разбирает конверт уведомления. Ошибка помечена ErrUndecodable.
func ParseNotification(msg *sarama.ConsumerMessage) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return Notification{}, errors.Mark(errors.Wrap(err, "unmarshal notification"), ErrUndecodable)
	}
	if n.EventType == "" {
		return Notification{}, errors.Mark(errors.New("notification has no event_type"), ErrUndecodable)
	}
	return n, nil
}
