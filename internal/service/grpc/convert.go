package grpcsvc

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/giftsched/internal/delay"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// decode переносит Struct в типизированный запрос через JSON; незнакомые поля отклоняются.
func decode(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("request", err.Error())
	}
	return nil
}

func encode(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	return out, nil
}

func timestamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func timestampPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timestamp(*t)
}

// dateBound разбирает YYYY-MM-DD; для верхней границы берётся конец дня.
func dateBound(field, value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := delay.ParseDate(value)
	if err != nil {
		return nil, domain.NewValidationError(field, err.Error())
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func scheduleResultFields(r domain.ScheduleResult) map[string]any {
	return map[string]any{
		"schedule_id":       r.ScheduleID,
		"payment_reference": r.PaymentReference,
		"face_value":        r.FaceValue.StringFixed(2),
		"selling_price":     r.SellingPrice.StringFixed(2),
		"scheduled_at":      timestamp(r.ScheduledAt),
		"delay_ms":          r.DelayMillis,
		"delay":             r.Delay,
	}
}

func scheduleFields(s domain.DeliverySchedule) map[string]any {
	return map[string]any{
		"id":              s.ID,
		"recipient_id":    s.RecipientID,
		"scheduled_at":    timestamp(s.ScheduledAt),
		"custom_message":  s.CustomMessage,
		"is_notify":       s.NotifySender,
		"delivery_status": string(s.Status),
		"sent_at":         timestampPtr(s.SentAt),
		"failure_reason":  s.FailureReason,
		"created_at":      timestamp(s.CreatedAt),
		"updated_at":      timestamp(s.UpdatedAt),
	}
}

func summaryFields(s domain.ScheduleSummary) map[string]any {
	out := scheduleFields(s.DeliverySchedule)
	out["recipient_name"] = s.RecipientName
	out["recipient_email"] = s.RecipientEmail
	out["vendor_id"] = s.VendorID
	out["vendor_name"] = s.VendorName
	out["face_value"] = s.FaceValue.StringFixed(2)
	return out
}

func viewFields(v domain.DeliveryView) map[string]any {
	return map[string]any{
		"job_id":          v.JobID,
		"schedule_id":     v.ScheduleID,
		"sender_id":       v.SenderID,
		"recipient_name":  v.RecipientName,
		"recipient_email": v.RecipientEmail,
		"sender_name":     v.SenderName,
		"vendor_name":     v.VendorName,
		"face_value":      v.FaceValue.StringFixed(2),
		"gift_card_code":  v.MaskedCode,
		"custom_message":  v.CustomMessage,
		"status":          string(v.Status),
		"attempts":        v.Attempts,
		"error":           v.Error,
		"scheduled_at":    timestamp(v.ScheduledAt),
		"enqueued_at":     timestamp(v.EnqueuedAt),
		"started_at":      timestampPtr(v.StartedAt),
		"finished_at":     timestampPtr(v.FinishedAt),
		"updated_at":      timestamp(v.UpdatedAt),
		"source":          string(v.Source),
	}
}

func historyFields(r domain.JobHistoryRecord) map[string]any {
	return map[string]any{
		"job_id":          r.JobID,
		"schedule_id":     r.ScheduleID,
		"sender_id":       r.SenderID,
		"recipient_name":  r.RecipientName,
		"recipient_email": r.RecipientEmail,
		"vendor_name":     r.VendorName,
		"face_value":      r.FaceValue.StringFixed(2),
		"gift_card_code":  r.MaskedCode,
		"status":          string(r.Status),
		"attempts":        r.Attempts,
		"error":           r.Error,
		"scheduled_at":    timestamp(r.ScheduledAt),
		"finished_at":     timestampPtr(r.FinishedAt),
		"recorded_at":     timestamp(r.RecordedAt),
	}
}

func queueStatsFields(s domain.QueueStats) map[string]any {
	return map[string]any{
		"waiting":   s.Waiting,
		"active":    s.Active,
		"delayed":   s.Delayed,
		"failed":    s.Failed,
		"completed": s.Completed,
		"total":     s.Total(),
		"health":    string(s.Health),
	}
}

func pageFields[T any](items []T, toFields func(T) map[string]any, total, page, limit, totalPages int) map[string]any {
	rows := make([]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, toFields(item))
	}
	return map[string]any{
		"items":       rows,
		"total":       total,
		"page":        page,
		"limit":       limit,
		"total_pages": totalPages,
	}
}
