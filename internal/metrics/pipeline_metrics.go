package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// PipelineMetrics содержит метрики конвейера: планирование, доставка, сверка.
// Все методы допускают nil-получатель.
type PipelineMetrics struct {
	// Планирование
	schedulesStarted   prometheus.Counter
	schedulesCompleted prometheus.Counter
	schedulesFailed    *prometheus.CounterVec
	schedulesCancelled prometheus.Counter
	scheduleDuration   prometheus.Histogram
	stepDuration       *prometheus.HistogramVec
	activeSchedules    prometheus.Gauge
	reserveConflicts   prometheus.Counter

	// Доставка и сверка
	deliveries   *prometheus.CounterVec
	reconciled   *prometheus.CounterVec
	queueJobs    *prometheus.GaugeVec
	inventoryLow *prometheus.CounterVec

	// Outbox
	outboxPublished *prometheus.CounterVec
	outboxBacklog   prometheus.Gauge
	outboxLag       prometheus.Gauge

	idempotencySwept prometheus.Counter
}

// NewPipelineMetrics регистрирует метрики в DefaultRegisterer.
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWith(prometheus.DefaultRegisterer)
}

// NewPipelineMetricsWith регистрирует метрики в указанном registerer.
func NewPipelineMetricsWith(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		schedulesStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "giftsched_schedules_started_total",
			Help: "Total number of schedule requests started",
		}),
		schedulesCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "giftsched_schedules_completed_total",
			Help: "Total number of gifts paid and scheduled",
		}),
		schedulesFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "giftsched_schedules_failed_total",
			Help: "Total number of schedule requests failed grouped by failure class",
		}, []string{"class"}),
		schedulesCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "giftsched_schedules_cancelled_total",
			Help: "Total number of pending schedules cancelled",
		}),
		scheduleDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "giftsched_schedule_duration_seconds",
			Help:    "Duration of schedule requests in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "giftsched_schedule_step_duration_seconds",
			Help:    "Duration of individual schedule steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step"}),
		activeSchedules: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "giftsched_active_schedule_requests",
			Help: "Number of schedule requests in flight",
		}),
		reserveConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "giftsched_reserve_conflicts_total",
			Help: "Total number of lost reservation races",
		}),
		deliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "giftsched_deliveries_total",
			Help: "Total number of delivery attempts grouped by result",
		}, []string{"result"}),
		reconciled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "giftsched_jobs_reconciled_total",
			Help: "Total number of jobs reconciled into history grouped by status",
		}, []string{"status"}),
		queueJobs: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "giftsched_queue_jobs",
			Help: "Number of jobs in the delivery queue grouped by state",
		}, []string{"state"}),
		inventoryLow: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "giftsched_inventory_low_total",
			Help: "Total number of low stock notifications grouped by level",
		}, []string{"level"}),
		outboxPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "giftsched_outbox_messages_total",
			Help: "Outbox messages processed by the relay grouped by outcome",
		}, []string{"outcome"}),
		outboxBacklog: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "giftsched_outbox_backlog",
			Help: "Pending outbox messages",
		}),
		outboxLag: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "giftsched_outbox_lag_seconds",
			Help: "Age of the oldest pending outbox message",
		}),
		idempotencySwept: registerCounter(registerer, prometheus.CounterOpts{
			Name: "giftsched_idempotency_keys_swept_total",
			Help: "Expired idempotency keys removed by the sweeper",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register[*prometheus.CounterVec](registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register[*prometheus.GaugeVec](registerer, opts.Name, prometheus.NewGaugeVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register[*prometheus.HistogramVec](registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// register возвращает уже зарегистрированный коллектор, если имя занято тем же типом.
func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordScheduleStarted увеличивает счётчик запросов и число активных.
func (m *PipelineMetrics) RecordScheduleStarted() {
	if m == nil {
		return
	}
	m.schedulesStarted.Inc()
	m.activeSchedules.Inc()
}

// RecordScheduleFinished фиксирует итог запроса и его длительность.
func (m *PipelineMetrics) RecordScheduleFinished(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSchedules.Dec()
	m.scheduleDuration.Observe(duration.Seconds())
	if err == nil {
		m.schedulesCompleted.Inc()
		return
	}
	m.schedulesFailed.WithLabelValues(string(domain.Classify(err))).Inc()
}

// RecordScheduleCancelled увеличивает счётчик отмен.
func (m *PipelineMetrics) RecordScheduleCancelled() {
	if m == nil {
		return
	}
	m.schedulesCancelled.Inc()
}

// RecordStepDuration записывает время выполнения шага.
func (m *PipelineMetrics) RecordStepDuration(step domain.SagaStep, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(step)).Observe(duration.Seconds())
}

// RecordReserveConflict считает проигранные гонки резервирования.
func (m *PipelineMetrics) RecordReserveConflict() {
	if m == nil {
		return
	}
	m.reserveConflicts.Inc()
}

// RecordDelivery считает попытки доставки: sent, retry, failed, skipped.
func (m *PipelineMetrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// RecordReconciled считает записи, перенесённые в историю.
func (m *PipelineMetrics) RecordReconciled(status domain.JobStatus) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(string(status)).Inc()
}

// SetQueueDepth выставляет размер очереди по состояниям.
func (m *PipelineMetrics) SetQueueDepth(counts map[domain.JobState]int) {
	if m == nil {
		return
	}
	for _, state := range domain.LiveJobStates {
		m.queueJobs.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// RecordInventoryLow считает уведомления о низком остатке.
func (m *PipelineMetrics) RecordInventoryLow(level domain.StockLevel) {
	if m == nil || level == domain.StockOK {
		return
	}
	m.inventoryLow.WithLabelValues(string(level)).Inc()
}

// RecordOutbox считает исходы публикации outbox: sent, retry, failed, dead_lettered.
func (m *PipelineMetrics) RecordOutbox(outcome string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(outcome).Inc()
}

// SetOutboxBacklog выставляет размер backlog и возраст самого старого сообщения.
func (m *PipelineMetrics) SetOutboxBacklog(pending int, lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.outboxBacklog.Set(float64(pending))
	m.outboxLag.Set(lag.Seconds())
}

// RecordIdempotencySwept считает удалённые просроченные ключи.
func (m *PipelineMetrics) RecordIdempotencySwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.idempotencySwept.Add(float64(n))
}
