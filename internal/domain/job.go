package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DeliveryJobName — имя задачи отправки подарка.
	DeliveryJobName = "sendGiftEmail"
	// DeliveryTemplate — шаблон письма с подарком.
	DeliveryTemplate = "gift-delivery"
	// DeliveredNoticeTemplate — шаблон уведомления отправителю.
	DeliveredNoticeTemplate = "gift-delivered-notice"
)

// JobState — состояние задачи внутри очереди.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal сообщает, завершена ли задача и ждёт ли сверки.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// LiveJobStates — все состояния, в которых задача ещё лежит в очереди.
var LiveJobStates = []JobState{JobWaiting, JobActive, JobDelayed, JobFailed, JobCompleted}

// JobStatus — общий словарь статусов для живых задач и истории.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "WAITING"
	JobStatusActive    JobStatus = "ACTIVE"
	JobStatusDelayed   JobStatus = "DELAYED"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusActive, JobStatusDelayed, JobStatusRetrying,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DeliveryPayload — контекст доставки, сериализуемый в очередь.
// GiftCode расшифровывается при постановке и живёт только в очереди.
type DeliveryPayload struct {
	ScheduleID     string          `json:"schedule_id"`
	SenderID       string          `json:"sender_id"`
	RecipientName  string          `json:"recipient_name"`
	RecipientEmail string          `json:"to"`
	SenderName     string          `json:"sender_name"`
	SenderEmail    string          `json:"sender_email"`
	VendorName     string          `json:"vendor_name"`
	FaceValue      decimal.Decimal `json:"face_value"`
	GiftCode       string          `json:"gift_card_code"`
	CodeHash       string          `json:"code_hash"`
	CustomMessage  string          `json:"custom_message,omitempty"`
	Notify         bool            `json:"is_notify"`
	ScheduledAt    time.Time       `json:"scheduled_date"`
}

// Job — транзиентная задача доставки.
type Job struct {
	ID          string
	Name        string
	Payload     DeliveryPayload
	RunAt       time.Time
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Attempts    int
	MaxAttempts int
	State       JobState
	LastError   string
}

// Status переводит состояние очереди в общий словарь.
// Отложенная задача с попытками за спиной считается повтором после ошибки.
func (j Job) Status() JobStatus {
	switch j.State {
	case JobWaiting:
		return JobStatusWaiting
	case JobActive:
		return JobStatusActive
	case JobDelayed:
		if j.Attempts > 0 {
			return JobStatusRetrying
		}
		return JobStatusDelayed
	case JobCompleted:
		return JobStatusCompleted
	case JobFailed:
		return JobStatusFailed
	default:
		return JobStatusWaiting
	}
}

// UpdatedAt — самая свежая отметка времени задачи, используется для сортировки.
func (j Job) UpdatedAt() time.Time {
	switch {
	case j.FinishedAt != nil:
		return *j.FinishedAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.EnqueuedAt
	}
}

// JobHistoryRecord — долговременная копия завершённой задачи. Код хранится только в маскированном виде.
type JobHistoryRecord struct {
	JobID          string
	ScheduleID     string
	SenderID       string
	RecipientName  string
	RecipientEmail string
	SenderName     string
	SenderEmail    string
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
	RecordedAt     time.Time
}

// HistoryFromJob строит запись истории по завершённой задаче.
func HistoryFromJob(j Job, recordedAt time.Time) JobHistoryRecord {
	p := j.Payload
	return JobHistoryRecord{
		JobID:          j.ID,
		ScheduleID:     p.ScheduleID,
		SenderID:       p.SenderID,
		RecipientName:  p.RecipientName,
		RecipientEmail: p.RecipientEmail,
		SenderName:     p.SenderName,
		SenderEmail:    p.SenderEmail,
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
		RecordedAt:     recordedAt,
	}
}

// MaskCode оставляет видимыми только последние четыре символа кода.
func MaskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// HistoryFilter — фильтры журнала доставок.
type HistoryFilter struct {
	Status         JobStatus
	RecipientEmail string
	RecipientName  string
	SenderID       string
	DateFrom       *time.Time
	DateTo         *time.Time
	Page           int
	Limit          int
}

// Normalize выставляет page/limit по умолчанию (1/10).
func (f HistoryFilter) Normalize() HistoryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 10
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f
}

// Offset возвращает смещение для страницы.
func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// HistoryPage — страница журнала.
type HistoryPage struct {
	Records    []JobHistoryRecord
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// TotalPages считает число страниц.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
