// Package saga реализует сагу планирования подарка: резерв единицы, списание и создание расписания.
package saga

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/delay"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/tracing"
)

const (
	defaultPaymentTimeout    = 10 * time.Second
	defaultCurrency          = "usd"
	defaultCandidateLimit    = 5
	defaultReserveRounds     = 3
	defaultLowStockThreshold = 10
)

// Dispatcher ставит задачу доставки по расписанию.
type Dispatcher interface {
	Enqueue(ctx context.Context, scheduleID string) error
}

// Options задаёт необязательные параметры оркестратора.
type Options struct {
	Logger            *log.Entry
	Clock             clock.Clock
	Metrics           *metrics.PipelineMetrics
	Idempotency       domain.IdempotencyRepository
	IdempotencyTTL    time.Duration
	PaymentTimeout    time.Duration
	Currency          string
	LowStockThreshold int
	Retry             RetryConfig
}

// Option настраивает Orchestrator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option { return func(o *Options) { o.Logger = logger } }

// WithClock подменяет часы.
func WithClock(clk clock.Clock) Option { return func(o *Options) { o.Clock = clk } }

// WithMetrics включает метрики саги.
func WithMetrics(m *metrics.PipelineMetrics) Option { return func(o *Options) { o.Metrics = m } }

// WithIdempotency включает обработку idempotency key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(o *Options) {
		o.Idempotency = repo
		o.IdempotencyTTL = ttl
	}
}

// WithPaymentTimeout ограничивает вызов платёжного шлюза.
func WithPaymentTimeout(d time.Duration) Option { return func(o *Options) { o.PaymentTimeout = d } }

// WithCurrency задаёт валюту списаний.
func WithCurrency(currency string) Option { return func(o *Options) { o.Currency = currency } }

// WithLowStockThreshold задаёт остаток, начиная с которого шлётся InventoryLow.
func WithLowStockThreshold(n int) Option { return func(o *Options) { o.LowStockThreshold = n } }

// WithRetry задаёт повторы компенсирующих шагов.
func WithRetry(cfg RetryConfig) Option { return func(o *Options) { o.Retry = cfg } }

// Orchestrator проводит запрос через Reserve → Pay → Settle и откатывает резерв при сбое оплаты.
type Orchestrator struct {
	uow        domain.UnitOfWork
	wallet     domain.Wallet
	gateway    domain.PaymentGateway
	queue      domain.DelayQueue
	dispatcher Dispatcher
	idem       domain.IdempotencyRepository

	clock             clock.Clock
	logger            *log.Entry
	metrics           *metrics.PipelineMetrics
	idemTTL           time.Duration
	paymentTimeout    time.Duration
	currency          string
	lowStockThreshold int
	retry             RetryConfig
}

// NewOrchestrator создаёт оркестратор. Все зависимости передаются здесь и больше не меняются.
func NewOrchestrator(
	uow domain.UnitOfWork,
	wallet domain.Wallet,
	gateway domain.PaymentGateway,
	queue domain.DelayQueue,
	dispatcher Dispatcher,
	options ...Option,
) *Orchestrator {
	opts := Options{
		PaymentTimeout:    defaultPaymentTimeout,
		Currency:          defaultCurrency,
		LowStockThreshold: defaultLowStockThreshold,
		IdempotencyTTL:    24 * time.Hour,
		Retry:             DefaultRetryConfig(),
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "saga")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = defaultPaymentTimeout
	}
	if opts.Currency == "" {
		opts.Currency = defaultCurrency
	}

	return &Orchestrator{
		uow:               uow,
		wallet:            wallet,
		gateway:           gateway,
		queue:             queue,
		dispatcher:        dispatcher,
		idem:              opts.Idempotency,
		clock:             opts.Clock,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		idemTTL:           opts.IdempotencyTTL,
		paymentTimeout:    opts.PaymentTimeout,
		currency:          opts.Currency,
		lowStockThreshold: opts.LowStockThreshold,
		retry:             opts.Retry,
	}
}

// plan — провалидированный запрос.
type plan struct {
	senderID  string
	req       domain.ScheduleRequest
	birthday  time.Time
	delay     delay.Result
	methodRef string
}

// reservation — итог первой единицы работы.
type reservation struct {
	unit      domain.InventoryUnit
	recipient domain.Recipient
	vendor    domain.Vendor
	payment   domain.PaymentRecord
}

// Schedule проводит покупку и планирует доставку.
// Ошибка помечена domain.ErrNothingHappened, если запрос можно повторить, и
// domain.ErrNeedsAttention, если деньги списаны, а расписание не создано.
func (o *Orchestrator) Schedule(ctx context.Context, senderID string, req domain.ScheduleRequest) (domain.ScheduleResult, error) {
	if o.idem != nil && strings.TrimSpace(req.IdempotencyKey) != "" {
		return o.scheduleIdempotent(ctx, senderID, req)
	}
	return o.schedule(ctx, senderID, req)
}

func (o *Orchestrator) schedule(ctx context.Context, senderID string, req domain.ScheduleRequest) (result domain.ScheduleResult, err error) {
	started := o.clock.Now()
	o.metrics.RecordScheduleStarted()
	ctx, span := tracing.Start(ctx, "saga.schedule",
		attribute.String("sender_id", senderID),
		attribute.String("vendor_id", req.VendorID),
	)
	defer func() {
		o.metrics.RecordScheduleFinished(err, o.clock.Now().Sub(started))
		tracing.End(span, err)
	}()

	logger := o.logger.WithFields(log.Fields{"sender_id": senderID, "vendor_id": req.VendorID})

	p, err := o.validate(ctx, senderID, req)
	if err != nil {
		logger.WithError(err).Info("schedule request rejected")
		return domain.ScheduleResult{}, err
	}

	res, err := o.reserve(ctx, p)
	if err != nil {
		logger.WithError(err).Warn("reserve failed")
		return domain.ScheduleResult{}, domain.NothingHappened(err)
	}
	logger = logger.WithFields(log.Fields{"unit_id": res.unit.ID, "payment_id": res.payment.ID})

	charge, err := o.charge(ctx, p, res)
	// Компенсация и фиксация не должны прерываться отменой клиентского запроса.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.WithError(err).Warn("payment failed, releasing reservation")
		o.release(settleCtx, res, charge, err)
		return domain.ScheduleResult{}, domain.NothingHappened(err)
	}
	logger = logger.WithField("payment_ref", charge.ReferenceID)

	schedule, err := o.settle(settleCtx, p, res, charge)
	if err != nil {
		logger.WithError(err).Error("settle failed after confirmed payment")
		o.abandon(settleCtx, res, charge, err)
		return domain.ScheduleResult{}, domain.NeedsAttention(errors.Wrap(err, "payment captured but schedule was not created"))
	}

	o.dispatch(settleCtx, logger, schedule.ID)

	logger.WithFields(log.Fields{
		"schedule_id":  schedule.ID,
		"scheduled_at": schedule.ScheduledAt,
	}).Info("Gift scheduled")

	return domain.ScheduleResult{
		ScheduleID:       schedule.ID,
		PaymentReference: charge.ReferenceID,
		FaceValue:        res.unit.FaceValue,
		SellingPrice:     res.unit.SellingPrice,
		ScheduledAt:      schedule.ScheduledAt,
		DelayMillis:      p.delay.Millis(),
		Delay:            p.delay.Breakdown.DHMS,
	}, nil
}

func (o *Orchestrator) validate(ctx context.Context, senderID string, req domain.ScheduleRequest) (plan, error) {
	defer o.step(domain.SagaStepValidate)()

	if strings.TrimSpace(senderID) == "" {
		return plan{}, domain.NewValidationError("sender_id", domain.ErrSenderRequired.Error())
	}
	if err := req.Validate(); err != nil {
		return plan{}, err
	}
	birthday, err := delay.ParseDate(req.Recipient.Birthday)
	if err != nil {
		return plan{}, domain.NewValidationError("recipient.birthday", err.Error())
	}
	sendDate, err := delay.ParseDate(req.SendGiftDate)
	if err != nil {
		return plan{}, domain.NewValidationError("send_gift_date", err.Error())
	}

	methodRef, err := o.wallet.DefaultMethod(ctx, senderID)
	if err != nil {
		return plan{}, domain.NothingHappened(errors.Wrap(err, "load payment method"))
	}

	req.Recipient.Email = strings.ToLower(strings.TrimSpace(req.Recipient.Email))
	return plan{
		senderID:  senderID,
		req:       req,
		birthday:  birthday,
		delay:     delay.Until(sendDate, o.clock.Now()),
		methodRef: methodRef,
	}, nil
}

// reserve в одной транзакции обновляет получателя, резервирует единицу и заводит PENDING-платёж.
func (o *Orchestrator) reserve(ctx context.Context, p plan) (reservation, error) {
	defer o.step(domain.SagaStepReserve)()

	var res reservation
	err := o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := o.clock.Now()

		vendor, err := tx.Directory().Vendor(ctx, p.req.VendorID)
		if err != nil {
			return err
		}
		recipient, err := upsertRecipient(ctx, tx, p, now)
		if err != nil {
			return err
		}
		unit, err := o.reserveUnit(ctx, tx, p.req, now)
		if err != nil {
			return err
		}

		payment := domain.PaymentRecord{
			ID:        uuid.NewString(),
			SenderID:  p.senderID,
			Amount:    unit.SellingPrice,
			Currency:  o.currency,
			Status:    domain.PaymentStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return errors.Wrap(err, "create payment record")
		}

		res = reservation{unit: unit, recipient: recipient, vendor: vendor, payment: payment}
		return nil
	})
	return res, err
}

func upsertRecipient(ctx context.Context, tx domain.Tx, p plan, now time.Time) (domain.Recipient, error) {
	in := p.req.Recipient
	existing, err := tx.Recipients().FindByEmail(ctx, p.senderID, in.Email)
	switch {
	case errors.Is(err, domain.ErrRecipientNotFound):
		r := domain.Recipient{
			ID:        uuid.NewString(),
			SenderID:  p.senderID,
			Name:      strings.TrimSpace(in.Name),
			Email:     in.Email,
			Birthday:  p.birthday,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Recipients().Create(ctx, r); err != nil {
			return domain.Recipient{}, errors.Wrap(err, "create recipient")
		}
		return r, nil
	case err != nil:
		return domain.Recipient{}, errors.Wrap(err, "find recipient")
	}

	name := strings.TrimSpace(in.Name)
	if existing.Name == name && existing.Birthday.Equal(p.birthday) {
		return existing, nil
	}
	existing.Name = name
	existing.Birthday = p.birthday
	existing.UpdatedAt = now
	if err := tx.Recipients().Update(ctx, existing); err != nil {
		return domain.Recipient{}, errors.Wrap(err, "update recipient")
	}
	return existing, nil
}

// reserveUnit берёт кандидатов в порядке продажи. Проигранная гонка переводит к следующему кандидату,
// а не к повтору на той же единице.
func (o *Orchestrator) reserveUnit(ctx context.Context, tx domain.Tx, req domain.ScheduleRequest, now time.Time) (domain.InventoryUnit, error) {
	for range defaultReserveRounds {
		candidates, err := tx.Inventory().Candidates(ctx, req.VendorID, req.Amount, now, defaultCandidateLimit)
		if err != nil {
			return domain.InventoryUnit{}, errors.Wrap(err, "select candidates")
		}
		if len(candidates) == 0 {
			break
		}
		for _, unit := range candidates {
			err := tx.Inventory().Transition(ctx, unit.ID, domain.InventoryAvailable, domain.InventoryReserved, now)
			if domain.IsInventoryConflict(err) {
				o.metrics.RecordReserveConflict()
				continue
			}
			if err != nil {
				return domain.InventoryUnit{}, errors.Wrapf(err, "reserve unit %s", unit.ID)
			}
			unit.Status = domain.InventoryReserved
			reservedAt := now
			unit.ReservedAt = &reservedAt
			return unit, nil
		}
	}
	return domain.InventoryUnit{}, errors.Wrapf(domain.ErrNoInventory, "vendor %s face value %s", req.VendorID, req.Amount.StringFixed(2))
}

// charge вызывает шлюз вне транзакции и ограничивает его таймаутом.
func (o *Orchestrator) charge(ctx context.Context, p plan, res reservation) (domain.ChargeResult, error) {
	defer o.step(domain.SagaStepPay)()

	chargeCtx, cancel := context.WithTimeout(ctx, o.paymentTimeout)
	defer cancel()

	result, err := o.gateway.Charge(chargeCtx, domain.ChargeRequest{
		Amount:         res.unit.SellingPrice,
		Currency:       o.currency,
		PayerReference: p.senderID,
		MethodRef:      p.methodRef,
		IdempotencyKey: res.payment.ID,
		Metadata: map[string]string{
			"unit_id":         res.unit.ID,
			"vendor_id":       res.unit.VendorID,
			"recipient_email": res.recipient.Email,
		},
	})
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return result, errors.Mark(errors.Wrap(err, "charge"), domain.ErrPaymentTimeout)
	case err != nil:
		return result, errors.Mark(errors.Wrap(err, "charge"), domain.ErrPaymentDeclined)
	case !result.Confirmed():
		return result, errors.Wrapf(domain.ErrPaymentDeclined, "gateway status %s", result.Status)
	}
	return result, nil
}

// release снимает резерв после неудачной оплаты.
func (o *Orchestrator) release(ctx context.Context, res reservation, charge domain.ChargeResult, cause error) {
	defer o.step(domain.SagaStepRelease)()

	err := o.retry.Do(ctx, func() error {
		return o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			now := o.clock.Now()
			if err := releaseUnit(ctx, tx, res.unit.ID, domain.ReasonPaymentFailed, res.payment.ID, res.payment.SenderID, now); err != nil {
				return err
			}
			payment := res.payment
			payment.Status = domain.PaymentStatusFailed
			payment.ReferenceID = charge.ReferenceID
			payment.FailureReason = cause.Error()
			payment.UpdatedAt = now
			return tx.Payments().Update(ctx, payment)
		})
	})
	if err != nil {
		o.logger.WithError(err).WithField("unit_id", res.unit.ID).
			Error("failed to release reservation, janitor will pick it up")
	}
}

// abandon откатывает резерв, если после подтверждённой оплаты не удалось создать расписание.
// Платёж остаётся CONFIRMED с пометкой: деньги нужно вернуть вручную.
func (o *Orchestrator) abandon(ctx context.Context, res reservation, charge domain.ChargeResult, cause error) {
	defer o.step(domain.SagaStepRelease)()

	err := o.retry.Do(ctx, func() error {
		return o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
			now := o.clock.Now()
			if err := releaseUnit(ctx, tx, res.unit.ID, domain.ReasonSettleFailed, res.payment.ID, res.payment.SenderID, now); err != nil {
				return err
			}
			payment := res.payment
			payment.Status = domain.PaymentStatusConfirmed
			payment.ReferenceID = charge.ReferenceID
			payment.CapturedAmount = charge.CapturedAmount
			payment.FailureReason = "refund required: " + cause.Error()
			payment.UpdatedAt = now
			return tx.Payments().Update(ctx, payment)
		})
	})
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"unit_id":     res.unit.ID,
			"payment_ref": charge.ReferenceID,
		}).Error("failed to unwind settle failure")
	}
}

func releaseUnit(ctx context.Context, tx domain.Tx, unitID, reason, referenceID, actorID string, now time.Time) error {
	err := tx.Inventory().Transition(ctx, unitID, domain.InventoryReserved, domain.InventoryAvailable, now)
	if err != nil {
		return errors.Wrapf(err, "release unit %s", unitID)
	}
	return tx.Ledger().Append(ctx, domain.InventoryTransaction{
		ID:          uuid.NewString(),
		UnitID:      unitID,
		Type:        domain.TransactionAdjustment,
		FromStatus:  domain.InventoryReserved,
		ToStatus:    domain.InventoryAvailable,
		Reason:      reason,
		ReferenceID: referenceID,
		ActorID:     actorID,
		OccurredAt:  now,
	})
}

// settle фиксирует продажу, создаёт расписание и пишет outbox-сообщения в одной транзакции.
func (o *Orchestrator) settle(ctx context.Context, p plan, res reservation, charge domain.ChargeResult) (domain.DeliverySchedule, error) {
	defer o.step(domain.SagaStepConfirm)()

	var schedule domain.DeliverySchedule
	var low *domain.InventoryLow
	err := o.uow.Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := o.clock.Now()
		schedule = domain.DeliverySchedule{
			ID:              uuid.NewString(),
			SenderID:        p.senderID,
			RecipientID:     res.recipient.ID,
			InventoryUnitID: res.unit.ID,
			PaymentID:       res.payment.ID,
			ScheduledAt:     p.delay.Target,
			CustomMessage:   p.req.CustomMessage,
			NotifySender:    p.req.IsNotify,
			Status:          domain.DeliveryPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := tx.Inventory().Transition(ctx, res.unit.ID, domain.InventoryReserved, domain.InventoryUsed, now); err != nil {
			return errors.Wrapf(err, "confirm sale of unit %s", res.unit.ID)
		}
		err := tx.Ledger().Append(ctx, domain.InventoryTransaction{
			ID:          uuid.NewString(),
			UnitID:      res.unit.ID,
			Type:        domain.TransactionSale,
			FromStatus:  domain.InventoryReserved,
			ToStatus:    domain.InventoryUsed,
			ReferenceID: schedule.ID,
			ActorID:     p.senderID,
			OccurredAt:  now,
		})
		if err != nil {
			return errors.Wrap(err, "append sale entry")
		}
		if err := tx.Schedules().Create(ctx, schedule); err != nil {
			return errors.Wrap(err, "create schedule")
		}

		payment := res.payment
		payment.Status = domain.PaymentStatusConfirmed
		payment.ReferenceID = charge.ReferenceID
		payment.CapturedAmount = charge.CapturedAmount
		if charge.Currency != "" {
			payment.Currency = charge.Currency
		}
		payment.InventoryUnitID = res.unit.ID
		payment.UpdatedAt = now
		if err := tx.Payments().Update(ctx, payment); err != nil {
			return errors.Wrap(err, "confirm payment record")
		}

		if err := writeOutbox(ctx, tx, domain.OutboxAggregateSchedule, schedule.ID, domain.OutboxDeliveryEnqueue,
			domain.DeliveryEnqueue{ScheduleID: schedule.ID}); err != nil {
			return err
		}
		created := domain.ScheduleCreated{
			ScheduleID:    schedule.ID,
			SenderID:      p.senderID,
			RecipientName: res.recipient.Name,
			VendorName:    res.vendor.Name,
			Amount:        res.unit.FaceValue,
			ScheduledAt:   schedule.ScheduledAt,
		}
		if err := writeOutbox(ctx, tx, domain.OutboxAggregateSchedule, schedule.ID, string(created.Type()), created); err != nil {
			return err
		}

		remaining, err := tx.Inventory().CountAvailable(ctx, res.unit.VendorID, res.unit.FaceValue, now)
		if err != nil {
			return errors.Wrap(err, "count remaining stock")
		}
		if level := domain.LevelFor(remaining); level != domain.StockOK && remaining <= o.lowStockThreshold {
			ev := domain.InventoryLow{VendorID: res.unit.VendorID, FaceValue: res.unit.FaceValue, Remaining: remaining, Level: level}
			if err := writeOutbox(ctx, tx, domain.OutboxAggregateInventory, res.unit.VendorID, string(ev.Type()), ev); err != nil {
				return err
			}
			low = &ev
		}
		return nil
	})
	if err != nil {
		return domain.DeliverySchedule{}, err
	}
	if low != nil {
		o.metrics.RecordInventoryLow(low.Level)
		o.logger.WithFields(log.Fields{
			"vendor_id": low.VendorID,
			"remaining": low.Remaining,
			"level":     low.Level,
		}).Warn("Inventory is running low")
	}
	return schedule, nil
}

// dispatch ставит задачу сразу после коммита. Ошибка не фатальна: outbox повторит постановку.
func (o *Orchestrator) dispatch(ctx context.Context, logger *log.Entry, scheduleID string) {
	defer o.step(domain.SagaStepEnqueue)()

	if o.dispatcher == nil {
		return
	}
	err := o.dispatcher.Enqueue(ctx, scheduleID)
	if err != nil && !errors.Is(err, domain.ErrJobExists) {
		logger.WithError(err).WithField("schedule_id", scheduleID).Warn("immediate enqueue failed, outbox will retry")
	}
}

func writeOutbox(ctx context.Context, tx domain.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", eventType)
	}
	_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	})
	return errors.Wrapf(err, "enqueue outbox %s", eventType)
}

func (o *Orchestrator) step(step domain.SagaStep) func() {
	started := o.clock.Now()
	return func() {
		o.metrics.RecordStepDuration(step, o.clock.Now().Sub(started))
	}
}
