package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/giftsched/internal/service/outbox"
)

var replayNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func testOptions() options {
	return options{
		brokers:     []string{"broker:9092"},
		sourceTopic: kafka.TopicDeadLetterQueue,
		notifyTopic: kafka.TopicNotifications,
		limit:       10,
		idleTimeout: 50 * time.Millisecond,
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func noEnv(string) string { return "" }

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions(newFlagSet(), []string{
		"-brokers", " k1:9092, ,k2:9092 ",
		"-event-type", "gift.delivered,inventory.low",
		"-limit", "5",
		"-execute",
		"-from-newest",
	}, noEnv)
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, opts.brokers)
	require.Equal(t, []string{"gift.delivered", "inventory.low"}, opts.eventTypes)
	require.Equal(t, 5, opts.limit)
	require.True(t, opts.execute)
	require.True(t, opts.fromNewest)
	require.Equal(t, kafka.TopicDeadLetterQueue, opts.sourceTopic)
}

func TestParseOptions_BrokersFromEnv(t *testing.T) {
	opts, err := parseOptions(newFlagSet(), nil, func(key string) string {
		if key == "GIFTSCHED_KAFKA_BROKERS" {
			return "env:9092"
		}
		return ""
	})
	require.NoError(t, err)
	require.Equal(t, []string{"env:9092"}, opts.brokers)
}

func TestParseOptions_CombinesErrors(t *testing.T) {
	_, err := parseOptions(newFlagSet(), []string{"-limit", "0", "-idle-timeout", "0s", "-notify-topic", " "}, noEnv)
	require.Error(t, err)
	for _, want := range []string{"brokers are required", "limit must be positive", "idle-timeout", "notify-topic"} {
		require.ErrorContains(t, err, want)
	}

	_, err = parseOptions(newFlagSet(), []string{"-unknown"}, noEnv)
	require.Error(t, err)
}

func TestClassify_ConsumerDeadLetter(t *testing.T) {
	c, err := classify(consumerDeadLetter(0, 0, `{"event_type":"gift.delivered"}`), testOptions(), replayNow)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicNotifications, c.topic)
	require.Equal(t, "sender-1", c.key)
	require.Equal(t, string(domain.EventGiftDelivered), c.headers[kafka.HeaderEventType])
	require.NotContains(t, c.headers, kafka.HeaderRetryCount, "replayed message must start with a fresh retry budget")
}

func TestClassify_OutboxDeadLetter(t *testing.T) {
	c, err := classify(outboxDeadLetter(t, domain.GiftDelivered{
		ScheduleID:     "sched-1",
		SenderID:       "sender-1",
		RecipientEmail: "ada@example.com",
		DeliveredAt:    replayNow,
	}), testOptions(), replayNow)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicNotifications, c.topic)
	require.Equal(t, "sender-1", c.key)

	var n kafka.Notification
	require.NoError(t, json.Unmarshal(c.value, &n))
	require.True(t, n.PublishedAt.Equal(replayNow))
	event, err := n.Event()
	require.NoError(t, err)
	require.Equal(t, "sched-1", event.(domain.GiftDelivered).ScheduleID)
}

func TestClassify_SkipReasons(t *testing.T) {
	enqueue := rawOutboxMessage(domain.OutboxDeliveryEnqueue, mustJSON(t, outbox.DeadLetter{
		EventType: domain.OutboxDeliveryEnqueue,
		Payload:   json.RawMessage(`{"schedule_id":"sched-1"}`),
	}))
	filtered := testOptions()
	filtered.eventTypes = []string{string(domain.EventInventoryLow)}

	tests := []struct {
		name string
		msg  *sarama.ConsumerMessage
		opts options
		want error
	}{
		{name: "no origin", msg: &sarama.ConsumerMessage{Value: []byte("{}")}, opts: testOptions(), want: errNoOrigin},
		{name: "delivery enqueue", msg: enqueue, opts: testOptions(), want: errEnqueueNotReplayable},
		{name: "filtered", msg: consumerDeadLetter(0, 0, "{}"), opts: filtered, want: errFilteredOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classify(tt.msg, tt.opts, replayNow)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := classify(rawOutboxMessage(string(domain.EventInventoryLow), []byte("not-json")), testOptions(), replayNow)
	require.Error(t, err)

	empty := consumerDeadLetter(0, 0, "")
	_, err = classify(empty, testOptions(), replayNow)
	require.ErrorContains(t, err, "empty value")
}

func TestSummaryPrint(t *testing.T) {
	var sum summary
	sum.scanned = 4
	sum.replayed = 1
	sum.skip(errNoOrigin)
	sum.skip(errEnqueueNotReplayable)
	sum.skip(errors.New("broken"))

	var out bytes.Buffer
	require.NoError(t, sum.print(&out, false))
	require.Equal(t, "dry-run: scanned=4 replayed=1 skipped=3 delivery_enqueue=1 no_origin=1 undecodable=1\n", out.String())
}

func TestScanner_DryRun(t *testing.T) {
	offsets := &stubOffsets{partitions: []int32{1, 0}, ranges: map[int32][2]int64{0: {0, 2}, 1: {0, 1}}}
	source := &stubSource{readers: map[int32]*stubReader{
		0: newReader(consumerDeadLetter(0, 0, "{}"), &sarama.ConsumerMessage{Partition: 0, Offset: 1}),
		1: newReader(consumerDeadLetter(1, 0, "{}")),
	}}

	s := &scanner{opts: testOptions(), offsets: offsets, source: source, logger: quietLogger(), now: func() time.Time { return replayNow }}
	sum, err := s.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.scanned)
	require.Equal(t, 2, sum.replayed)
	require.Equal(t, 1, sum.skipped["no_origin"])
	require.Equal(t, []int32{0, 1}, source.order, "partitions are scanned in order")
}

func TestScanner_ExecutePublishes(t *testing.T) {
	offsets := &stubOffsets{partitions: []int32{0}, ranges: map[int32][2]int64{0: {0, 2}}}
	source := &stubSource{readers: map[int32]*stubReader{
		0: newReader(consumerDeadLetter(0, 0, "{}"), consumerDeadLetter(0, 1, "{}")),
	}}

	var published []candidate
	s := &scanner{opts: testOptions(), offsets: offsets, source: source, logger: quietLogger(), now: time.Now,
		publish: func(c candidate) error {
			published = append(published, c)
			return nil
		},
	}
	sum, err := s.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.replayed)
	require.Len(t, published, 2)

	s.publish = func(candidate) error { return errors.New("broker down") }
	source.readers[0] = newReader(consumerDeadLetter(0, 0, "{}"))
	_, err = s.run(context.Background())
	require.ErrorContains(t, err, "broker down")
}

func TestScanner_FromNewestAndLimit(t *testing.T) {
	offsets := &stubOffsets{partitions: []int32{0, 1}, ranges: map[int32][2]int64{0: {0, 10}, 1: {0, 10}}}
	source := &stubSource{readers: map[int32]*stubReader{
		0: newReader(consumerDeadLetter(0, 8, "{}"), consumerDeadLetter(0, 9, "{}")),
	}}
	opts := testOptions()
	opts.limit = 2
	opts.fromNewest = true

	s := &scanner{opts: opts, offsets: offsets, source: source, logger: quietLogger(), now: time.Now}
	sum, err := s.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.scanned)
	require.Equal(t, int64(8), source.offsets[0])
	require.NotContains(t, source.offsets, int32(1), "limit reached before the second partition")
}

func TestScanner_Errors(t *testing.T) {
	ctx := context.Background()
	newScanner := func(offsets *stubOffsets, source *stubSource) *scanner {
		return &scanner{opts: testOptions(), offsets: offsets, source: source, logger: quietLogger(), now: time.Now}
	}

	_, err := newScanner(&stubOffsets{partitionsErr: errors.New("no metadata")}, &stubSource{}).run(ctx)
	require.ErrorContains(t, err, "no metadata")

	_, err = newScanner(&stubOffsets{partitions: []int32{0}, offsetErr: errors.New("offset failed")}, &stubSource{}).run(ctx)
	require.ErrorContains(t, err, "offset failed")

	ranged := &stubOffsets{partitions: []int32{0}, ranges: map[int32][2]int64{0: {0, 5}}}
	_, err = newScanner(ranged, &stubSource{consumeErr: errors.New("not leader")}).run(ctx)
	require.ErrorContains(t, err, "not leader")

	broken := newReader()
	broken.errs <- &sarama.ConsumerError{Topic: kafka.TopicDeadLetterQueue, Err: errors.New("corrupt batch")}
	_, err = newScanner(ranged, &stubSource{readers: map[int32]*stubReader{0: broken}}).run(ctx)
	require.ErrorContains(t, err, "corrupt batch")

	empty := &stubOffsets{partitions: []int32{0}, ranges: map[int32][2]int64{0: {3, 3}}}
	sum, err := newScanner(empty, &stubSource{}).run(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.scanned)
}

func TestScanner_IdleAndCancel(t *testing.T) {
	ranged := &stubOffsets{partitions: []int32{0}, ranges: map[int32][2]int64{0: {0, 5}}}
	idle := &stubReader{msgs: make(chan *sarama.ConsumerMessage), errs: make(chan *sarama.ConsumerError)}

	s := &scanner{opts: testOptions(), offsets: ranged, source: &stubSource{readers: map[int32]*stubReader{0: idle}}, logger: quietLogger(), now: time.Now}
	sum, err := s.run(context.Background())
	require.NoError(t, err)
	require.Zero(t, sum.scanned)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.opts.idleTimeout = time.Minute
	_, err = s.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_ExecuteWithMockProducer(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicNotifications {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		return nil
	})

	offsets := &stubOffsets{partitions: []int32{0}, ranges: map[int32][2]int64{0: {0, 1}}}
	source := &stubSource{readers: map[int32]*stubReader{0: newReader(consumerDeadLetter(0, 0, "{}"))}}
	restore := openDeps
	t.Cleanup(func() { openDeps = restore })
	openDeps = func(options) (deps, error) {
		return deps{offsets: offsets, source: source, producer: kafka.NewProducerWith(mockProducer, quietLogger())}, nil
	}

	opts := testOptions()
	opts.execute = true
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out))
	require.Equal(t, "execute: scanned=1 replayed=1 skipped=0 \n", out.String())
	require.True(t, offsets.closed)
	require.True(t, source.closed)
}

func TestRun_OpenDepsError(t *testing.T) {
	restore := openDeps
	t.Cleanup(func() { openDeps = restore })
	openDeps = func(options) (deps, error) { return deps{}, errors.New("dial failed") }

	require.ErrorContains(t, run(context.Background(), testOptions(), io.Discard), "dial failed")
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_REPROCESS_FAIL") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_REPROCESS_FAIL=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.NotZero(t, exitErr.ExitCode())
}

func consumerDeadLetter(partition int32, offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     kafka.TopicDeadLetterQueue,
		Partition: partition,
		Offset:    offset,
		Key:       []byte("sender-1"),
		Value:     []byte(value),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(kafka.TopicNotifications)},
			{Key: []byte(kafka.HeaderEventType), Value: []byte(domain.EventGiftDelivered)},
			{Key: []byte(kafka.HeaderRetryCount), Value: []byte("3")},
		},
	}
}

func outboxDeadLetter(t *testing.T, event domain.Event) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := domain.EncodeEvent(event)
	require.NoError(t, err)
	return rawOutboxMessage(string(event.Type()), mustJSON(t, outbox.DeadLetter{
		OutboxID:  "msg-1",
		EventType: string(event.Type()),
		Payload:   payload,
		Error:     "publish failed",
		FailedAt:  replayNow,
	}))
}

func rawOutboxMessage(eventType string, body []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic: kafka.TopicDeadLetterQueue,
		Key:   []byte("sched-1"),
		Value: body,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(kafka.OutboxOrigin)},
			{Key: []byte(kafka.HeaderEventType), Value: []byte(eventType)},
		},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type stubOffsets struct {
	partitions    []int32
	partitionsErr error
	ranges        map[int32][2]int64
	offsetErr     error
	closed        bool
}

func (s *stubOffsets) Partitions(string) ([]int32, error) {
	return append([]int32(nil), s.partitions...), s.partitionsErr
}

func (s *stubOffsets) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if s.offsetErr != nil {
		return 0, s.offsetErr
	}
	if at == sarama.OffsetOldest {
		return s.ranges[partition][0], nil
	}
	return s.ranges[partition][1], nil
}

func (s *stubOffsets) Close() error {
	s.closed = true
	return nil
}

type stubSource struct {
	readers    map[int32]*stubReader
	consumeErr error
	order      []int32
	offsets    map[int32]int64
	closed     bool
}

func (s *stubSource) ConsumePartition(_ string, partition int32, offset int64) (partitionReader, error) {
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	if s.offsets == nil {
		s.offsets = map[int32]int64{}
	}
	s.order = append(s.order, partition)
	s.offsets[partition] = offset
	r, ok := s.readers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d is not stubbed", partition)
	}
	return r, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type stubReader struct {
	msgs chan *sarama.ConsumerMessage
	errs chan *sarama.ConsumerError
}

// newReader отдаёт сообщения и закрывает канал.
func newReader(msgs ...*sarama.ConsumerMessage) *stubReader {
	r := &stubReader{
		msgs: make(chan *sarama.ConsumerMessage, len(msgs)),
		errs: make(chan *sarama.ConsumerError, 1),
	}
	for _, m := range msgs {
		r.msgs <- m
	}
	if len(msgs) > 0 {
		close(r.msgs)
	}
	return r
}

func (r *stubReader) Messages() <-chan *sarama.ConsumerMessage { return r.msgs }
func (r *stubReader) Errors() <-chan *sarama.ConsumerError     { return r.errs }
func (r *stubReader) Close() error                             { return nil }

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}
