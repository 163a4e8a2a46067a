package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var n Notification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.EventType != domain.EventInventoryLow || n.Key != "vendor-1" {
			t.Errorf("unexpected envelope %+v", n)
		}
		ev, err := n.Event()
		if err != nil {
			return err
		}
		low, ok := ev.(domain.InventoryLow)
		if !ok || low.Remaining != 2 || low.Level != domain.StockCritical {
			t.Errorf("unexpected event %#v", ev)
		}
		return nil
	})

	notifier := NewNotifier(NewProducerWith(mockProducer, log.WithField("test", "notifier")), "")
	notifier.now = func() time.Time { return time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC) }

	err := notifier.Notify(context.Background(), domain.InventoryLow{
		VendorID:  "vendor-1",
		FaceValue: decimal.NewFromInt(25),
		Remaining: 2,
		Level:     domain.StockCritical,
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNotifier_NotifyProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	notifier := NewNotifier(NewProducerWith(mockProducer, nil), TopicNotifications)
	err := notifier.Notify(context.Background(), domain.GiftDelivered{ScheduleID: "s-1", SenderID: "sender-1"})
	if err == nil {
		t.Fatal("expected notify error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNotifier_NotifyNilProducer(t *testing.T) {
	t.Parallel()

	notifier := NewNotifier(nil, TopicNotifications)
	if err := notifier.Notify(context.Background(), domain.GiftDelivered{}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
