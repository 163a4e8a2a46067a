package reconcile

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/service/codes"
)

const defaultFetchLimit = 500

// Views — сторона чтения: объединённое представление, журнал и мониторинг.
type Views struct {
	uow        domain.UnitOfWork
	queue      domain.DelayQueue
	clock      clock.Clock
	metrics    *metrics.PipelineMetrics
	fetchLimit int
}

// NewViews создаёт сторону чтения. fetchLimit — размер страницы при обходе очереди
// и предел выборки истории отправителя.
func NewViews(uow domain.UnitOfWork, queue domain.DelayQueue, clk clock.Clock, m *metrics.PipelineMetrics, fetchLimit int) *Views {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if fetchLimit <= 0 {
		fetchLimit = defaultFetchLimit
	}
	return &Views{uow: uow, queue: queue, clock: clk, metrics: m, fetchLimit: fetchLimit}
}

// UserDeliveries возвращает объединённое представление доставок отправителя.
func (v *Views) UserDeliveries(ctx context.Context, senderID string, q domain.DeliveryQuery) (domain.DeliveryPage, error) {
	if strings.TrimSpace(senderID) == "" {
		return domain.DeliveryPage{}, domain.NewValidationError("sender_id", domain.ErrSenderRequired.Error())
	}
	q.SenderID = senderID
	return v.Deliveries(ctx, q)
}

// Deliveries объединяет живые задачи и историю: дубликаты по job id схлопываются в пользу истории,
// строки сортируются по свежести, затем фильтруются и режутся на страницы.
// Пустой q.SenderID даёт представление по всем отправителям.
func (v *Views) Deliveries(ctx context.Context, q domain.DeliveryQuery) (domain.DeliveryPage, error) {
	q = q.Normalize()
	if q.Status != "" && !q.Status.Valid() {
		return domain.DeliveryPage{}, domain.NewValidationError("status", "unknown job status")
	}

	var (
		live    []domain.Job
		history []domain.JobHistoryRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs, err := v.liveJobs(gctx, q.SenderID)
		live = jobs
		return err
	})
	g.Go(func() error {
		return v.uow.View(gctx, func(ctx context.Context, tx domain.Tx) error {
			recs, err := tx.History().Recent(ctx, q.SenderID, v.fetchLimit)
			if err != nil {
				return errors.Wrap(err, "list recent history")
			}
			history = recs
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return domain.DeliveryPage{}, err
	}

	merged := Merge(live, history, q.SenderID)
	filtered := Filter(merged, q.Status, q.Search)

	total := len(filtered)
	start := min((q.Page-1)*q.Limit, total)
	end := min(start+q.Limit, total)
	return domain.DeliveryPage{
		Items:      filtered[start:end],
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: domain.TotalPages(total, q.Limit),
	}, nil
}

// liveJobs обходит очередь страницами, пока не получит неполную: задачи других
// отправителей отсекаются сразу и не съедают предел выборки.
func (v *Views) liveJobs(ctx context.Context, senderID string) ([]domain.Job, error) {
	var out []domain.Job
	for offset := 0; ; offset += v.fetchLimit {
		page, err := v.queue.List(ctx, domain.LiveJobStates, offset, v.fetchLimit)
		if err != nil {
			return nil, errors.Wrap(err, "list live jobs")
		}
		for _, job := range page {
			if senderID == "" || job.Payload.SenderID == senderID {
				out = append(out, job)
			}
		}
		if len(page) < v.fetchLimit {
			return out, nil
		}
	}
}

// Merge объединяет источники. Запись истории всегда вытесняет живую задачу с тем же id.
func Merge(live []domain.Job, history []domain.JobHistoryRecord, senderID string) []domain.DeliveryView {
	out := make([]domain.DeliveryView, 0, len(live)+len(history))
	seen := make(map[string]struct{}, len(history))
	for _, rec := range history {
		if senderID != "" && rec.SenderID != senderID {
			continue
		}
		if _, dup := seen[rec.JobID]; dup {
			continue
		}
		seen[rec.JobID] = struct{}{}
		out = append(out, domain.ViewFromHistory(rec))
	}
	for _, job := range live {
		if senderID != "" && job.Payload.SenderID != senderID {
			continue
		}
		if _, dup := seen[job.ID]; dup {
			continue
		}
		seen[job.ID] = struct{}{}
		out = append(out, domain.ViewFromJob(job))
	}

	slices.SortStableFunc(out, func(a, b domain.DeliveryView) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.JobID, b.JobID)
	})
	return out
}

// Filter оставляет строки со статусом status и текстом search в имени, email, вендоре, коде или статусе.
// Полный код карты сравнивается по хэшу.
func Filter(rows []domain.DeliveryView, status domain.JobStatus, search string) []domain.DeliveryView {
	search = strings.ToLower(strings.TrimSpace(search))
	var hash string
	if search != "" {
		hash = codes.HashCode(search)
	}

	out := rows[:0:0]
	for _, row := range rows {
		if status != "" && row.Status != status {
			continue
		}
		if search != "" && !matches(row, search, hash) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func matches(row domain.DeliveryView, search, hash string) bool {
	if row.CodeHash != "" && row.CodeHash == hash {
		return true
	}
	for _, field := range []string{row.RecipientName, row.RecipientEmail, row.VendorName, row.MaskedCode, string(row.Status)} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// History возвращает страницу журнала завершённых доставок.
func (v *Views) History(ctx context.Context, f domain.HistoryFilter) (domain.HistoryPage, error) {
	f = f.Normalize()
	if f.Status != "" && !f.Status.Valid() {
		return domain.HistoryPage{}, domain.NewValidationError("status", "unknown job status")
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return domain.HistoryPage{}, domain.NewValidationError("date_to", "must not be before date_from")
	}

	var (
		records []domain.JobHistoryRecord
		total   int
	)
	err := v.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		records, total, err = tx.History().Search(ctx, f)
		return err
	})
	if err != nil {
		return domain.HistoryPage{}, err
	}
	return domain.HistoryPage{
		Records:    records,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: domain.TotalPages(total, f.Limit),
	}, nil
}

// QueueStats считает задачи по состояниям и оценивает очередь:
// critical при failed > 10, warning при failed > 5 или waiting > 50.
func (v *Views) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	counts, err := v.queue.Counts(ctx)
	if err != nil {
		return domain.QueueStats{}, errors.Wrap(err, "count jobs")
	}
	v.metrics.SetQueueDepth(counts)

	stats := domain.QueueStats{
		Waiting:   counts[domain.JobWaiting],
		Active:    counts[domain.JobActive],
		Delayed:   counts[domain.JobDelayed],
		Failed:    counts[domain.JobFailed],
		Completed: counts[domain.JobCompleted],
	}
	switch {
	case stats.Failed > 10:
		stats.Health = domain.HealthCritical
	case stats.Failed > 5 || stats.Waiting > 50:
		stats.Health = domain.HealthWarning
	default:
		stats.Health = domain.HealthHealthy
	}
	return stats, nil
}

// SystemStatus дополняет статистику очереди долей успешных доставок.
func (v *Views) SystemStatus(ctx context.Context) (domain.SystemStatus, error) {
	queue, err := v.QueueStats(ctx)
	if err != nil {
		return domain.SystemStatus{}, err
	}

	var counts map[domain.DeliveryStatus]int
	err = v.uow.View(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		counts, err = tx.Schedules().CountByStatus(ctx)
		return err
	})
	if err != nil {
		return domain.SystemStatus{}, errors.Wrap(err, "count schedules")
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	rate := 0
	if total > 0 {
		rate = int(math.Round(float64(counts[domain.DeliverySent]) / float64(total) * 100))
	}

	health := domain.HealthHealthy
	switch {
	case queue.Health == domain.HealthCritical || (total > 0 && rate < 80):
		health = domain.HealthCritical
	case queue.Health == domain.HealthWarning || (total > 0 && rate < 90):
		health = domain.HealthWarning
	}

	return domain.SystemStatus{
		Queue:       queue,
		Schedules:   counts,
		Total:       total,
		SuccessRate: rate,
		Health:      health,
		CheckedAt:   v.clock.Now(),
	}, nil
}
