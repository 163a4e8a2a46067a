// Package grpcsvc реализует gRPC-фасад планировщика подарков.
package grpcsvc

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const (
	// SenderHeader — metadata с идентификатором отправителя.
	SenderHeader = "x-sender-id"
	// IdempotencyHeader — ключ идемпотентности, если он не передан в теле Schedule.
	IdempotencyHeader = "idempotency-key"
)

// Scheduler — сага планирования и операции над расписаниями.
type Scheduler interface {
	Schedule(ctx context.Context, senderID string, req domain.ScheduleRequest) (domain.ScheduleResult, error)
	Cancel(ctx context.Context, senderID, scheduleID string) error
	UpdateSchedule(ctx context.Context, senderID, scheduleID string, patch domain.SchedulePatch) (domain.DeliverySchedule, error)
	ListSchedules(ctx context.Context, senderID string, f domain.ScheduleFilter) ([]domain.ScheduleSummary, int, error)
}

// Views — сторона чтения: доставки, журнал, мониторинг.
type Views interface {
	UserDeliveries(ctx context.Context, senderID string, q domain.DeliveryQuery) (domain.DeliveryPage, error)
	Deliveries(ctx context.Context, q domain.DeliveryQuery) (domain.DeliveryPage, error)
	History(ctx context.Context, f domain.HistoryFilter) (domain.HistoryPage, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
	SystemStatus(ctx context.Context) (domain.SystemStatus, error)
}

// QueueAdmin — ручное управление задачами.
type QueueAdmin interface {
	RetryJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	RetryFailedJobs(ctx context.Context, limit int) (int, error)
}

// Intake — приёмка единиц на склад.
type Intake interface {
	Add(ctx context.Context, req domain.IntakeRequest) (domain.InventoryUnit, error)
}

// Service реализует GiftSchedulingServer.
type Service struct {
	scheduler Scheduler
	views     Views
	admin     QueueAdmin
	intake    Intake
	logger    *log.Entry
}

// NewService собирает сервис из зависимостей.
func NewService(scheduler Scheduler, views Views, admin QueueAdmin, intake Intake, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "gift-service")
	}
	return &Service{scheduler: scheduler, views: views, admin: admin, intake: intake, logger: logger}
}

func (s *Service) Schedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	senderID, err := senderFrom(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodSchedule, err)
	}
	var req domain.ScheduleRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodSchedule, err)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = header(ctx, IdempotencyHeader)
	}

	res, err := s.scheduler.Schedule(ctx, senderID, req)
	if err != nil {
		return nil, s.respond(ctx, MethodSchedule, err)
	}
	return encode(scheduleResultFields(res))
}

type scheduleRef struct {
	ScheduleID string `json:"schedule_id"`
}

func (s *Service) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	senderID, err := senderFrom(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodCancel, err)
	}
	var req scheduleRef
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodCancel, err)
	}
	if err := s.scheduler.Cancel(ctx, senderID, req.ScheduleID); err != nil {
		return nil, s.respond(ctx, MethodCancel, err)
	}
	return encode(map[string]any{"schedule_id": req.ScheduleID, "cancelled": true})
}

type updateRequest struct {
	ScheduleID string `json:"schedule_id"`
	domain.SchedulePatch
}

func (s *Service) UpdateSchedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	senderID, err := senderFrom(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodUpdateSchedule, err)
	}
	var req updateRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodUpdateSchedule, err)
	}
	updated, err := s.scheduler.UpdateSchedule(ctx, senderID, req.ScheduleID, req.SchedulePatch)
	if err != nil {
		return nil, s.respond(ctx, MethodUpdateSchedule, err)
	}
	return encode(scheduleFields(updated))
}

type listSchedulesRequest struct {
	RecipientID   string `json:"recipient_id"`
	Status        string `json:"status"`
	ScheduledFrom string `json:"scheduled_from"`
	ScheduledTo   string `json:"scheduled_to"`
	Offset        int    `json:"offset"`
	Limit         int    `json:"limit"`
}

func (s *Service) ListSchedules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	senderID, err := senderFrom(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodListSchedules, err)
	}
	var req listSchedulesRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodListSchedules, err)
	}
	f := domain.ScheduleFilter{
		RecipientID: req.RecipientID,
		Status:      domain.DeliveryStatus(strings.ToUpper(req.Status)),
		Offset:      req.Offset,
		Limit:       req.Limit,
	}
	if f.ScheduledFrom, err = dateBound("scheduled_from", req.ScheduledFrom, false); err != nil {
		return nil, s.respond(ctx, MethodListSchedules, err)
	}
	if f.ScheduledTo, err = dateBound("scheduled_to", req.ScheduledTo, true); err != nil {
		return nil, s.respond(ctx, MethodListSchedules, err)
	}

	items, total, err := s.scheduler.ListSchedules(ctx, senderID, f)
	if err != nil {
		return nil, s.respond(ctx, MethodListSchedules, err)
	}
	rows := make([]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, summaryFields(item))
	}
	return encode(map[string]any{"items": rows, "total": total})
}

type deliveriesRequest struct {
	SenderID string `json:"sender_id"`
	Search   string `json:"search"`
	Status   string `json:"status"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
}

func (r deliveriesRequest) query() domain.DeliveryQuery {
	return domain.DeliveryQuery{
		SenderID: r.SenderID,
		Search:   r.Search,
		Status:   domain.JobStatus(strings.ToUpper(r.Status)),
		Page:     r.Page,
		Limit:    r.Limit,
	}
}

func deliveryPageFields(p domain.DeliveryPage) map[string]any {
	return pageFields(p.Items, viewFields, p.Total, p.Page, p.Limit, p.TotalPages)
}

func (s *Service) GetUserDeliveries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	senderID, err := senderFrom(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodGetUserDeliveries, err)
	}
	var req deliveriesRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodGetUserDeliveries, err)
	}
	page, err := s.views.UserDeliveries(ctx, senderID, req.query())
	if err != nil {
		return nil, s.respond(ctx, MethodGetUserDeliveries, err)
	}
	return encode(deliveryPageFields(page))
}

// ListDeliveries отдаёт объединённое представление по всем отправителям или по sender_id из тела.
func (s *Service) ListDeliveries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req deliveriesRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodListDeliveries, err)
	}
	page, err := s.views.Deliveries(ctx, req.query())
	if err != nil {
		return nil, s.respond(ctx, MethodListDeliveries, err)
	}
	return encode(deliveryPageFields(page))
}

type historyRequest struct {
	Status         string `json:"status"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	SenderID       string `json:"sender_id"`
	DateFrom       string `json:"date_from"`
	DateTo         string `json:"date_to"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

func (s *Service) ListHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historyRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodListHistory, err)
	}
	f := domain.HistoryFilter{
		Status:         domain.JobStatus(strings.ToUpper(req.Status)),
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		SenderID:       req.SenderID,
		Page:           req.Page,
		Limit:          req.Limit,
	}
	var err error
	if f.DateFrom, err = dateBound("date_from", req.DateFrom, false); err != nil {
		return nil, s.respond(ctx, MethodListHistory, err)
	}
	if f.DateTo, err = dateBound("date_to", req.DateTo, true); err != nil {
		return nil, s.respond(ctx, MethodListHistory, err)
	}

	page, err := s.views.History(ctx, f)
	if err != nil {
		return nil, s.respond(ctx, MethodListHistory, err)
	}
	return encode(pageFields(page.Records, historyFields, page.Total, page.Page, page.Limit, page.TotalPages))
}

type jobRef struct {
	JobID string `json:"job_id"`
}

func (r jobRef) validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return domain.NewValidationError("job_id", "is required")
	}
	return nil
}

func (s *Service) RetryJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRef
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodRetryJob, err)
	}
	if err := req.validate(); err != nil {
		return nil, s.respond(ctx, MethodRetryJob, err)
	}
	if err := s.admin.RetryJob(ctx, req.JobID); err != nil {
		return nil, s.respond(ctx, MethodRetryJob, err)
	}
	return encode(map[string]any{"job_id": req.JobID, "retried": true})
}

func (s *Service) DeleteJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRef
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodDeleteJob, err)
	}
	if err := req.validate(); err != nil {
		return nil, s.respond(ctx, MethodDeleteJob, err)
	}
	if err := s.admin.DeleteJob(ctx, req.JobID); err != nil {
		return nil, s.respond(ctx, MethodDeleteJob, err)
	}
	return encode(map[string]any{"job_id": req.JobID, "deleted": true})
}

func (s *Service) RetryFailedJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodRetryFailedJobs, err)
	}
	n, err := s.admin.RetryFailedJobs(ctx, req.Limit)
	if err != nil {
		return nil, s.respond(ctx, MethodRetryFailedJobs, err)
	}
	return encode(map[string]any{"retried": n})
}

func (s *Service) QueueStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.views.QueueStats(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodQueueStats, err)
	}
	return encode(queueStatsFields(stats))
}

func (s *Service) SystemStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.views.SystemStatus(ctx)
	if err != nil {
		return nil, s.respond(ctx, MethodSystemStatus, err)
	}
	schedules := make(map[string]any, len(st.Schedules))
	for status, n := range st.Schedules {
		schedules[strings.ToLower(string(status))] = n
	}
	return encode(map[string]any{
		"queue":        queueStatsFields(st.Queue),
		"schedules":    schedules,
		"total":        st.Total,
		"success_rate": st.SuccessRate,
		"health":       string(st.Health),
		"checked_at":   timestamp(st.CheckedAt),
	})
}

type addInventoryRequest struct {
	domain.IntakeRequest
	ExpiresAt string `json:"expires_at"`
}

func (s *Service) AddInventory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req addInventoryRequest
	if err := decode(in, &req); err != nil {
		return nil, s.respond(ctx, MethodAddInventory, err)
	}
	if req.ExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, s.respond(ctx, MethodAddInventory, domain.NewValidationError("expires_at", "must be RFC 3339"))
		}
		req.IntakeRequest.ExpiresAt = &at
	}
	if req.ActorID == "" {
		req.ActorID = header(ctx, SenderHeader)
	}

	unit, err := s.intake.Add(ctx, req.IntakeRequest)
	if err != nil {
		return nil, s.respond(ctx, MethodAddInventory, err)
	}
	return encode(map[string]any{
		"id":            unit.ID,
		"vendor_id":     unit.VendorID,
		"face_value":    unit.FaceValue.StringFixed(2),
		"selling_price": unit.SellingPrice.StringFixed(2),
		"status":        string(unit.Status),
		"expires_at":    timestampPtr(unit.ExpiresAt),
		"created_at":    timestamp(unit.CreatedAt),
	})
}

func header(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func senderFrom(ctx context.Context) (string, error) {
	id := header(ctx, SenderHeader)
	if id == "" {
		return "", domain.NewValidationError("sender_id", SenderHeader+" metadata is required")
	}
	return id, nil
}

var _ GiftSchedulingServer = (*Service)(nil)
