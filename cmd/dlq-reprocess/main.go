// Command dlq-reprocess просматривает DLQ и возвращает уведомления в рабочие топики.
// Без -execute только печатает, что было бы переиграно.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/giftsched/internal/service/outbox"
)

// Причины пропуска сообщения.
var (
	errNoOrigin = errors.New("message has no original topic header")
	// delivery.enqueue через Kafka не восстановить: задачу возвращает queue-admin.
	errEnqueueNotReplayable = errors.New("delivery.enqueue is not replayable through kafka")
	errFilteredOut          = errors.New("event type is filtered out")
)

type options struct {
	brokers     []string
	sourceTopic string
	notifyTopic string
	eventTypes  []string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func parseOptions(fs *flag.FlagSet, args []string, getenv func(string) string) (options, error) {
	var (
		opts       options
		brokers    string
		eventTypes string
	)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $GIFTSCHED_KAFKA_BROKERS)")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&opts.notifyTopic, "notify-topic", kafka.TopicNotifications, "topic for notifications rebuilt from outbox dead letters")
	fs.StringVar(&eventTypes, "event-type", "", "replay only these event types (comma-separated)")
	fs.IntVar(&opts.limit, "limit", 100, "max messages to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish replayed messages; without it the run is a dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", 2*time.Second, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("GIFTSCHED_KAFKA_BROKERS")
	}
	opts.brokers = splitList(brokers)
	opts.eventTypes = splitList(eventTypes)

	var errs []error
	if len(opts.brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required (-brokers or GIFTSCHED_KAFKA_BROKERS)"))
	}
	if strings.TrimSpace(opts.sourceTopic) == "" || strings.TrimSpace(opts.notifyTopic) == "" {
		errs = append(errs, errors.New("source-topic and notify-topic must not be empty"))
	}
	if opts.limit <= 0 {
		errs = append(errs, errors.Newf("limit must be positive, got %d", opts.limit))
	}
	if opts.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be positive"))
	}
	return opts, errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// offsetReader — часть sarama.Client, нужная для границ партиций.
type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Close() error
}

type partitionReader interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error)
	Close() error
}

type saramaSource struct{ consumer sarama.Consumer }

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

type deps struct {
	offsets  offsetReader
	source   partitionSource
	producer *kafka.Producer
}

func (d deps) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.offsets != nil {
		_ = d.offsets.Close()
	}
}

var openDeps = func(opts options) (deps, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, config)
	if err != nil {
		return deps{}, errors.Wrap(err, "connect to kafka")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return deps{}, errors.Wrap(err, "create kafka consumer")
	}
	d := deps{offsets: client, source: saramaSource{consumer: consumer}}

	if opts.execute {
		if d.producer, err = kafka.NewProducer(opts.brokers); err != nil {
			d.close()
			return deps{}, err
		}
	}
	return d, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	d, err := openDeps(opts)
	if err != nil {
		return err
	}
	defer d.close()

	s := &scanner{
		opts:    opts,
		offsets: d.offsets,
		source:  d.source,
		logger:  log.WithField("component", "dlq-reprocess"),
		now:     time.Now,
	}
	if opts.execute {
		s.publish = func(c candidate) error {
			return d.producer.PublishRaw(c.topic, c.key, c.value, c.headers)
		}
	}

	sum, err := s.run(ctx)
	if err != nil {
		return err
	}
	return sum.print(out, opts.execute)
}

// candidate — сообщение, готовое к повторной публикации.
type candidate struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

// classify решает, куда вернуть сообщение DLQ.
// Сообщения consumer DLQ уходят в исходный topic со сброшенным счётчиком попыток,
// dead letter из outbox пересобирается в конверт уведомления.
func classify(msg *sarama.ConsumerMessage, opts options, now time.Time) (candidate, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	origin := strings.TrimSpace(headers[kafka.HeaderOriginalTopic])
	eventType := headers[kafka.HeaderEventType]

	if origin == "" {
		return candidate{}, errNoOrigin
	}
	if len(opts.eventTypes) > 0 && !slices.Contains(opts.eventTypes, eventType) {
		return candidate{}, errFilteredOut
	}
	if origin != kafka.OutboxOrigin {
		if len(msg.Value) == 0 {
			return candidate{}, errors.New("dlq message has empty value")
		}
		c := candidate{topic: origin, key: string(msg.Key), value: msg.Value, headers: map[string]string{}}
		if eventType != "" {
			c.headers[kafka.HeaderEventType] = eventType
		}
		return c, nil
	}

	if eventType == domain.OutboxDeliveryEnqueue {
		return candidate{}, errEnqueueNotReplayable
	}
	dl, err := outbox.DecodeDeadLetter(msg.Value)
	if err != nil {
		return candidate{}, err
	}
	if dl.EventType == domain.OutboxDeliveryEnqueue {
		return candidate{}, errEnqueueNotReplayable
	}
	event, err := domain.DecodeEvent(domain.EventType(dl.EventType), dl.Payload)
	if err != nil {
		return candidate{}, errors.Wrapf(err, "decode outbox event %s", dl.EventType)
	}
	n, err := kafka.NewNotification(event, now)
	if err != nil {
		return candidate{}, err
	}
	value, err := json.Marshal(n)
	if err != nil {
		return candidate{}, errors.Wrap(err, "encode notification")
	}
	return candidate{
		topic:   opts.notifyTopic,
		key:     n.Key,
		value:   value,
		headers: map[string]string{kafka.HeaderEventType: string(n.EventType)},
	}, nil
}

// summary — итог прохода по DLQ.
type summary struct {
	scanned  int
	replayed int
	skipped  map[string]int
}

func (s *summary) skip(reason error) {
	if s.skipped == nil {
		s.skipped = make(map[string]int)
	}
	var key string
	switch {
	case errors.Is(reason, errNoOrigin):
		key = "no_origin"
	case errors.Is(reason, errEnqueueNotReplayable):
		key = "delivery_enqueue"
	case errors.Is(reason, errFilteredOut):
		key = "filtered"
	default:
		key = "undecodable"
	}
	s.skipped[key]++
}

func (s summary) print(out io.Writer, executed bool) error {
	mode := "dry-run"
	if executed {
		mode = "execute"
	}
	total := 0
	reasons := make([]string, 0, len(s.skipped))
	for reason, n := range s.skipped {
		total += n
		reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
	}
	slices.Sort(reasons)

	_, err := fmt.Fprintf(out, "%s: scanned=%d replayed=%d skipped=%d %s\n",
		mode, s.scanned, s.replayed, total, strings.Join(reasons, " "))
	return err
}

type scanner struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	// без publish работаем в режиме dry-run.
	publish func(candidate) error
	logger  *log.Entry
	now     func() time.Time
}

func (s *scanner) run(ctx context.Context) (summary, error) {
	var sum summary

	partitions, err := s.offsets.Partitions(s.opts.sourceTopic)
	if err != nil {
		return sum, errors.Wrapf(err, "list partitions of %s", s.opts.sourceTopic)
	}
	slices.Sort(partitions)

	for _, p := range partitions {
		if sum.scanned >= s.opts.limit {
			break
		}
		if err := s.scanPartition(ctx, p, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// scanPartition читает партицию от начала (или хвоста при -from-newest) до
// зафиксированного на старте конца, чтобы не гоняться за новыми сообщениями.
func (s *scanner) scanPartition(ctx context.Context, partition int32, sum *summary) error {
	budget := s.opts.limit - sum.scanned
	first, err := s.offsets.GetOffset(s.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return errors.Wrapf(err, "oldest offset of partition %d", partition)
	}
	end, err := s.offsets.GetOffset(s.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return errors.Wrapf(err, "newest offset of partition %d", partition)
	}
	if end <= first {
		return nil
	}
	if s.opts.fromNewest {
		first = max(first, end-int64(budget))
	}

	reader, err := s.source.ConsumePartition(s.opts.sourceTopic, partition, first)
	if err != nil {
		return errors.Wrapf(err, "consume partition %d", partition)
	}
	defer func() { _ = reader.Close() }()

	idle := time.NewTimer(s.opts.idleTimeout)
	defer idle.Stop()

	errs := reader.Errors()
	for seen := 0; seen < budget; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			s.logger.WithField("partition", partition).Warn("partition went idle before its end offset")
			return nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return errors.Wrapf(cerr, "read partition %d", partition)
			}
		case msg, ok := <-reader.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return nil
			}
			idle.Reset(s.opts.idleTimeout)
			seen++
			sum.scanned++
			if err := s.handle(msg, sum); err != nil {
				return err
			}
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (s *scanner) handle(msg *sarama.ConsumerMessage, sum *summary) error {
	logger := s.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	c, err := classify(msg, s.opts, s.now())
	if err != nil {
		sum.skip(err)
		logger.WithError(err).Debug("dlq message skipped")
		return nil
	}

	if s.publish == nil {
		logger.WithFields(log.Fields{"target_topic": c.topic, "key": c.key}).Info("would replay")
		sum.replayed++
		return nil
	}
	if err := s.publish(c); err != nil {
		return errors.Wrapf(err, "replay offset %d of partition %d", msg.Offset, msg.Partition)
	}
	sum.replayed++
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
