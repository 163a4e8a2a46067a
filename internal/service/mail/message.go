// Package mail собирает письма доставки и отправляет их через транспорт.
package mail

import (
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// GiftMessage собирает письмо получателю из payload задачи.
func GiftMessage(p domain.DeliveryPayload) domain.MailMessage {
	return domain.MailMessage{
		To:       p.RecipientEmail,
		Subject:  "🎁 Your Gift Card from " + p.VendorName,
		Template: domain.DeliveryTemplate,
		Context: map[string]string{
			"recipient_name": p.RecipientName,
			"sender_name":    p.SenderName,
			"sender_email":   p.SenderEmail,
			"vendor_name":    p.VendorName,
			"face_value":     p.FaceValue.StringFixed(2),
			"scheduled_date": p.ScheduledAt.Format(domain.DateLayout),
			"custom_message": p.CustomMessage,
			"gift_card_code": p.GiftCode,
		},
	}
}

// DeliveredNotice собирает уведомление отправителю по свежим данным расписания.
func DeliveredNotice(d domain.ScheduleDetails) domain.MailMessage {
	sentAt := d.Schedule.ScheduledAt
	if d.Schedule.SentAt != nil {
		sentAt = *d.Schedule.SentAt
	}
	return domain.MailMessage{
		To:       d.Sender.Email,
		Subject:  "Your gift to " + d.Recipient.Name + " was delivered",
		Template: domain.DeliveredNoticeTemplate,
		Context: map[string]string{
			"sender_name":     d.Sender.DisplayName(),
			"recipient_name":  d.Recipient.Name,
			"recipient_email": d.Recipient.Email,
			"vendor_name":     d.Vendor.Name,
			"face_value":      d.Unit.FaceValue.StringFixed(2),
			"delivered_date":  sentAt.Format(domain.DateLayout),
		},
	}
}
