package domain

import (
	"context"
	"time"
)

// PaymentGateway — внешний платёжный шлюз. Вызов должен ограничиваться контекстом.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Wallet отдаёт платёжный метод отправителя по умолчанию.
type Wallet interface {
	// DefaultMethod возвращает ErrNoPaymentMethod, если метода нет.
	DefaultMethod(ctx context.Context, senderID string) (string, error)
}

// CodeCipher шифрует коды карт; открытый код не хранится.
type CodeCipher interface {
	Encrypt(plain string) ([]byte, error)
	Decrypt(sealed []byte) (string, error)
	Hash(plain string) string
}

// MailMessage — письмо для транспорта доставки.
type MailMessage struct {
	To       string
	Subject  string
	Template string
	Context  map[string]string
}

// Mailer отправляет письмо; ошибка уходит в механизм повторов очереди.
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// Notifier — best-effort fan-out уведомлений.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// DelayQueue — очередь с отложенной выдачей задач.
// Задача не выдаётся воркеру раньше RunAt.
type DelayQueue interface {
	// Enqueue кладёт задачу; повторная постановка того же ID возвращает ErrJobExists.
	Enqueue(ctx context.Context, job Job) error
	// Promote переносит созревшие задачи в ожидание, возвращает их число.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Dequeue выдаёт следующую задачу в аренду; ok=false, если ждать нечего.
	Dequeue(ctx context.Context, now time.Time) (job Job, ok bool, err error)
	// Complete фиксирует успех задачи.
	Complete(ctx context.Context, id string, now time.Time) (Job, error)
	// Fail фиксирует ошибку: задача уходит на повтор с backoff или в failed.
	Fail(ctx context.Context, id, reason string, now time.Time) (Job, error)
	// Get возвращает задачу или ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// List возвращает задачи в указанных состояниях.
	List(ctx context.Context, states []JobState, offset, limit int) ([]Job, error)
	// Counts возвращает число задач по состояниям.
	Counts(ctx context.Context) (map[JobState]int, error)
	// Terminal возвращает завершённые задачи, ещё не прошедшие сверку.
	Terminal(ctx context.Context, limit int) ([]Job, error)
	// Retry возвращает failed-задачу в ожидание со сброшенными попытками.
	Retry(ctx context.Context, id string, now time.Time) error
	// Reschedule переносит отложенную задачу на новое время.
	Reschedule(ctx context.Context, id string, runAt time.Time) error
	// Remove удаляет задачу из очереди; отсутствие задачи не ошибка.
	Remove(ctx context.Context, id string) error
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepValidate  SagaStep = "validate"
	SagaStepRecipient SagaStep = "recipient"
	SagaStepReserve   SagaStep = "reserve"
	SagaStepPay       SagaStep = "pay"
	SagaStepConfirm   SagaStep = "confirm"
	SagaStepRelease   SagaStep = "release"
	SagaStepEnqueue   SagaStep = "enqueue"
	SagaStepCancel    SagaStep = "cancel"
)

// Типы outbox-сообщений.
const (
	OutboxAggregateSchedule  = "delivery_schedule"
	OutboxAggregateInventory = "inventory"
	// OutboxDeliveryEnqueue — поставить задачу доставки в очередь.
	OutboxDeliveryEnqueue = "delivery.enqueue"
)

// DeliveryEnqueue — payload сообщения delivery.enqueue.
type DeliveryEnqueue struct {
	ScheduleID string `json:"schedule_id"`
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository — сторона чтения outbox для воркера.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// CreateProcessing занимает ключ. now берётся из часов вызывающего: по нему же
	// решается, просрочен ли уже занятый ключ.
	CreateProcessing(ctx context.Context, key, senderID, requestHash string, now, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte) error
	MarkFailed(ctx context.Context, key string, responseBody []byte) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
