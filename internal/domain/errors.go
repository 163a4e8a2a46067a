package domain

import "github.com/cockroachdb/errors"

var (
	// ErrValidation помечает любые ошибки валидации входного запроса.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidDate возвращается, если дата не в строгом формате YYYY-MM-DD.
	ErrInvalidDate = errors.New("date must be a calendar date in YYYY-MM-DD format")
	// ErrSenderRequired возвращается, если не передан идентификатор отправителя.
	ErrSenderRequired = errors.New("sender_id is required")
	// ErrAmountInvalid — номинал или цена должны быть положительными.
	ErrAmountInvalid = errors.New("amount must be greater than zero")
	// ErrNoInventory — нет доступной единицы товара под вендора и номинал.
	ErrNoInventory = errors.New("no inventory available")
	// ErrInventoryConflict — условное обновление не затронуло ни одной строки (гонка проиграна).
	ErrInventoryConflict = errors.New("inventory unit state changed concurrently")
	// ErrInventoryNotFound возвращается, если единица товара не найдена.
	ErrInventoryNotFound = errors.New("inventory unit not found")
	// ErrInvalidTransition — переход статуса не разрешён state machine.
	ErrInvalidTransition = errors.New("inventory status transition is not allowed")
	// ErrDuplicateCode — код с таким хэшем уже заведён.
	ErrDuplicateCode = errors.New("gift code already exists")
	// ErrNoPaymentMethod — у отправителя нет платёжного метода по умолчанию.
	ErrNoPaymentMethod = errors.New("sender has no default payment method")
	// ErrPaymentDeclined — платёж не дошёл до подтверждённого состояния.
	ErrPaymentDeclined = errors.New("payment was not confirmed")
	// ErrPaymentTimeout — платёжный шлюз не ответил в отведённое время.
	ErrPaymentTimeout = errors.New("payment gateway timeout")
	// ErrPaymentNotFound возвращается, если запись о платеже не найдена.
	ErrPaymentNotFound = errors.New("payment record not found")
	// ErrRecipientNotFound возвращается, если получатель не найден.
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrScheduleNotFound возвращается, если расписание не найдено или уже не PENDING.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrScheduleConflict сигнализирует о конкурентном изменении статуса расписания.
	ErrScheduleConflict = errors.New("schedule status changed concurrently")
	// ErrSenderNotFound возвращается, если отправитель отсутствует в справочнике.
	ErrSenderNotFound = errors.New("sender not found")
	// ErrVendorNotFound возвращается, если вендор отсутствует в справочнике.
	ErrVendorNotFound = errors.New("vendor not found")
	// ErrJobNotFound возвращается, если задачи нет в очереди.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobState — операция недопустима для текущего состояния задачи.
	ErrJobState = errors.New("operation not allowed in current job state")
	// ErrJobExists возвращается, если задача с таким идентификатором уже в очереди.
	ErrJobExists = errors.New("job already exists")
	// ErrHistoryNotFound возвращается, если записи истории по job id нет.
	ErrHistoryNotFound = errors.New("job history record not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят другим запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyNotFound возвращается, если ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyHashMismatch — тот же ключ прислан с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencySettled — ответ по ключу уже сохранён и не перезаписывается.
	ErrIdempotencySettled = errors.New("idempotency key is already settled")
	// ErrIdempotencyInProgress сигнализирует, что запрос с этим ключом ещё обрабатывается.
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is still processing")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// Метки классов отказа. Навешиваются через errors.Mark и проверяются через Classify.
var (
	// ErrNothingHappened — запрос не оставил долговременных следов, его можно повторить целиком.
	ErrNothingHappened = errors.New("no durable side effect")
	// ErrNeedsAttention — часть эффектов уже произошла, повторять запрос нельзя.
	ErrNeedsAttention = errors.New("partial effect requires operator attention")
)

// FailureClass описывает, что клиенту делать с ошибкой.
type FailureClass string

const (
	FailureNone           FailureClass = "none"
	FailureRetryable      FailureClass = "retryable"
	FailureNeedsAttention FailureClass = "needs_attention"
	FailureInternal       FailureClass = "internal"
)

// NothingHappened помечает ошибку как безопасную для повторной отправки запроса.
func NothingHappened(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrNothingHappened)
}

// NeedsAttention помечает ошибку как требующую ручного разбора.
func NeedsAttention(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrNeedsAttention)
}

// Classify возвращает класс отказа для ошибки оркестратора.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNeedsAttention):
		return FailureNeedsAttention
	case errors.Is(err, ErrNothingHappened):
		return FailureRetryable
	default:
		return FailureInternal
	}
}

// ValidationError описывает ошибку конкретного поля запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// IsValidation проверяет, является ли ошибка ошибкой валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInventoryConflict проверяет, проиграна ли гонка условного обновления.
func IsInventoryConflict(err error) bool {
	return errors.Is(err, ErrInventoryConflict)
}

// IsIdempotencyConflict проверяет конфликт ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) ||
		errors.Is(err, ErrIdempotencyHashMismatch) ||
		errors.Is(err, ErrIdempotencyInProgress)
}

// IsNotFound объединяет все "не найдено" доменного уровня.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrInventoryNotFound) ||
		errors.Is(err, ErrRecipientNotFound) ||
		errors.Is(err, ErrHistoryNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// NewValidationError создаёт ошибку поля, помеченную как ErrValidation и ErrNothingHappened.
func NewValidationError(field, message string) error {
	return NothingHappened(errors.Mark(ValidationError{Field: field, Message: message}, ErrValidation))
}
