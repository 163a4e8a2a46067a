package app

import (
	"context"
	"strings"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/giftsched/internal/service/notify"
)

func TestOpenNotificationSink(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		wantErr bool
	}{
		{name: "no brokers", brokers: ""},
		{name: "only separators", brokers: " , "},
		{name: "unreachable broker", brokers: "invalid-broker:9999", wantErr: true},
		{name: "unreachable list with spaces", brokers: "broker1:9092, broker2:9092", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.KafkaBrokers = tt.brokers

			sink, err := openNotificationSink(cfg, log.WithField("test", "kafka"))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			// В обоих случаях сервис продолжает работу только с логом.
			require.NotNil(t, sink)
			require.Nil(t, sink.producer)
			require.IsType(t, &notify.LogNotifier{}, sink.Notifier())
			require.Nil(t, sink.DeadLetter())
			sink.Close()
		})
	}
}

func TestNotificationSink_CloseNil(t *testing.T) {
	var sink *notificationSink
	sink.Close()
}

func TestNotificationSink_WithKafkaPublishes(t *testing.T) {
	logger := log.WithField("test", "notifier")
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if !strings.Contains(string(val), "sched-1") {
			return errors.Newf("payload %s has no schedule id", val)
		}
		return nil
	})

	sink := &notificationSink{
		producer: kafka.NewProducerWith(sp, logger),
		topic:    kafka.TopicNotifications,
		dlqTopic: kafka.TopicDeadLetterQueue,
		logger:   logger,
	}
	defer sink.Close()

	notifier := sink.Notifier()
	require.IsType(t, notify.Multi{}, notifier)
	require.NoError(t, notifier.Notify(context.Background(), domain.GiftDelivered{
		ScheduleID: "sched-1",
		SenderID:   "sender-1",
	}))
	require.NotNil(t, sink.DeadLetter())
}

func TestSplitBrokers(t *testing.T) {
	require.Equal(t, []string{"broker1:9092", "broker2:9092"}, splitBrokers(" broker1:9092, ,broker2:9092,"))
	require.Empty(t, splitBrokers(" , "))
}
