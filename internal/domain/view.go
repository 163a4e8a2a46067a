package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ViewSource — откуда взята строка объединённого представления.
type ViewSource string

const (
	SourceQueue   ViewSource = "queue"
	SourceHistory ViewSource = "history"
)

// DeliveryView — строка объединённого представления живых задач и истории.
// Код карты только маскированный.
type DeliveryView struct {
	JobID          string
	ScheduleID     string
	SenderID       string
	RecipientName  string
	RecipientEmail string
	SenderName     string
	VendorName     string
	FaceValue      decimal.Decimal
	MaskedCode     string
	CodeHash       string
	CustomMessage  string
	Status         JobStatus
	Attempts       int
	Error          string
	ScheduledAt    time.Time
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	UpdatedAt      time.Time
	Source         ViewSource
}

// ViewFromJob строит строку по живой задаче.
func ViewFromJob(j Job) DeliveryView {
	p := j.Payload
	return DeliveryView{
		JobID:          j.ID,
		ScheduleID:     p.ScheduleID,
		SenderID:       p.SenderID,
		RecipientName:  p.RecipientName,
		RecipientEmail: p.RecipientEmail,
		SenderName:     p.SenderName,
		VendorName:     p.VendorName,
		FaceValue:      p.FaceValue,
		MaskedCode:     MaskCode(p.GiftCode),
		CodeHash:       p.CodeHash,
		CustomMessage:  p.CustomMessage,
		Status:         j.Status(),
		Attempts:       j.Attempts,
		Error:          j.LastError,
		ScheduledAt:    p.ScheduledAt,
		EnqueuedAt:     j.EnqueuedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		UpdatedAt:      j.UpdatedAt(),
		Source:         SourceQueue,
	}
}

// ViewFromHistory строит строку по записи истории.
func ViewFromHistory(r JobHistoryRecord) DeliveryView {
	updated := r.RecordedAt
	if r.FinishedAt != nil {
		updated = *r.FinishedAt
	}
	return DeliveryView{
		JobID:          r.JobID,
		ScheduleID:     r.ScheduleID,
		SenderID:       r.SenderID,
		RecipientName:  r.RecipientName,
		RecipientEmail: r.RecipientEmail,
		SenderName:     r.SenderName,
		VendorName:     r.VendorName,
		FaceValue:      r.FaceValue,
		MaskedCode:     r.MaskedCode,
		CodeHash:       r.CodeHash,
		CustomMessage:  r.CustomMessage,
		Status:         r.Status,
		Attempts:       r.Attempts,
		Error:          r.Error,
		ScheduledAt:    r.ScheduledAt,
		EnqueuedAt:     r.EnqueuedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		UpdatedAt:      updated,
		Source:         SourceHistory,
	}
}

// DeliveryQuery — фильтры объединённого представления.
type DeliveryQuery struct {
	SenderID string
	Search   string
	Status   JobStatus
	Page     int
	Limit    int
}

// Normalize выставляет page/limit по умолчанию (1/10).
func (q DeliveryQuery) Normalize() DeliveryQuery {
	f := HistoryFilter{Page: q.Page, Limit: q.Limit}.Normalize()
	q.Page, q.Limit = f.Page, f.Limit
	return q
}

// DeliveryPage — страница объединённого представления.
type DeliveryPage struct {
	Items      []DeliveryView
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// Health — итоговая оценка состояния.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// QueueStats — число задач по состояниям и оценка очереди.
type QueueStats struct {
	Waiting   int
	Active    int
	Delayed   int
	Failed    int
	Completed int
	Health    Health
}

// Total — все задачи очереди.
func (s QueueStats) Total() int {
	return s.Waiting + s.Active + s.Delayed + s.Failed + s.Completed
}

// SystemStatus — сводка по очереди и расписаниям.
type SystemStatus struct {
	Queue       QueueStats
	Schedules   map[DeliveryStatus]int
	Total       int
	SuccessRate int
	Health      Health
	CheckedAt   time.Time
}
