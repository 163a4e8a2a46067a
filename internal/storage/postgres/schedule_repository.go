package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const scheduleColumns = `s.id, s.sender_id, s.recipient_id, s.inventory_unit_id, s.payment_id,
	s.scheduled_at, s.custom_message, s.notify_sender, s.status, s.sent_at, s.failure_reason,
	s.created_at, s.updated_at`

type scheduleRepository struct {
	q queryer
}

func (r *scheduleRepository) Create(ctx context.Context, s domain.DeliverySchedule) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO delivery_schedules (
			id, sender_id, recipient_id, inventory_unit_id, payment_id,
			scheduled_at, custom_message, notify_sender, status, sent_at, failure_reason,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		s.ID, s.SenderID, s.RecipientID, s.InventoryUnitID, s.PaymentID,
		s.ScheduledAt, s.CustomMessage, s.NotifySender, string(s.Status), s.SentAt, s.FailureReason,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrScheduleConflict, "unit %s already scheduled", s.InventoryUnitID)
		}
		return errors.Wrap(err, "create delivery schedule")
	}
	return nil
}

func (r *scheduleRepository) Get(ctx context.Context, id string) (domain.DeliverySchedule, error) {
	s, err := scanSchedule(r.q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM delivery_schedules s WHERE s.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeliverySchedule{}, domain.ErrScheduleNotFound
		}
		return domain.DeliverySchedule{}, errors.Wrap(err, "get delivery schedule")
	}
	return s, nil
}

func (r *scheduleRepository) UpdateFields(ctx context.Context, s domain.DeliverySchedule) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE delivery_schedules
		SET scheduled_at = $2, custom_message = $3, updated_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`, s.ID, s.ScheduledAt, s.CustomMessage, s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update delivery schedule")
	}
	return requireAffected(res, domain.ErrScheduleConflict)
}

func (r *scheduleRepository) SetStatus(ctx context.Context, id string, from, to domain.DeliveryStatus, sentAt *time.Time, reason string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE delivery_schedules
		SET status = $3, sent_at = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), sentAt, reason, at)
	if err != nil {
		return errors.Wrap(err, "set delivery schedule status")
	}
	return requireAffected(res, domain.ErrScheduleConflict)
}

func (r *scheduleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM delivery_schedules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete delivery schedule")
	}
	return requireAffected(res, domain.ErrScheduleNotFound)
}

func (r *scheduleRepository) List(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduleSummary, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SenderID != "" {
		add("s.sender_id = $%d", f.SenderID)
	}
	if f.RecipientID != "" {
		add("s.recipient_id = $%d", f.RecipientID)
	}
	if f.Status != "" {
		add("s.status = $%d", string(f.Status))
	}
	if f.ScheduledFrom != nil {
		add("s.scheduled_at >= $%d", *f.ScheduledFrom)
	}
	if f.ScheduledTo != nil {
		add("s.scheduled_at <= $%d", *f.ScheduledTo)
	}
	cond := ""
	if len(where) > 0 {
		cond = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_schedules s `+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count delivery schedules")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+scheduleColumns+`, rc.name, rc.email, u.vendor_id, v.name, u.face_value
		FROM delivery_schedules s
		JOIN recipients rc ON rc.id = s.recipient_id
		JOIN inventory_units u ON u.id = s.inventory_unit_id
		JOIN vendors v ON v.id = u.vendor_id
		`+cond+`
		ORDER BY s.scheduled_at DESC, s.id
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list delivery schedules")
	}
	defer rows.Close()

	var out []domain.ScheduleSummary
	for rows.Next() {
		var (
			sum    domain.ScheduleSummary
			status string
			sentAt sql.NullTime
		)
		s := &sum.DeliverySchedule
		if err := rows.Scan(
			&s.ID, &s.SenderID, &s.RecipientID, &s.InventoryUnitID, &s.PaymentID,
			&s.ScheduledAt, &s.CustomMessage, &s.NotifySender, &status, &sentAt, &s.FailureReason,
			&s.CreatedAt, &s.UpdatedAt,
			&sum.RecipientName, &sum.RecipientEmail, &sum.VendorID, &sum.VendorName, &sum.FaceValue,
		); err != nil {
			return nil, 0, errors.Wrap(err, "scan delivery schedule")
		}
		s.Status = domain.DeliveryStatus(status)
		s.SentAt = nullTimePtr(sentAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate delivery schedules")
	}
	return out, total, nil
}

func (r *scheduleRepository) CountByStatus(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_schedules GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count schedules by status")
	}
	defer rows.Close()

	out := map[domain.DeliveryStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan schedule count")
		}
		out[domain.DeliveryStatus(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate schedule counts")
}

func (r *scheduleRepository) Details(ctx context.Context, id string) (domain.ScheduleDetails, error) {
	var (
		d          domain.ScheduleDetails
		status     string
		sentAt     sql.NullTime
		unitStatus string
		expiresAt  sql.NullTime
		reservedAt sql.NullTime
	)
	s := &d.Schedule
	u := &d.Unit
	err := r.q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`,
			usr.id, usr.name, usr.email,
			rc.id, rc.sender_id, rc.name, rc.email, rc.birthday, rc.created_at, rc.updated_at,
			v.id, v.name,
			u.id, u.vendor_id, u.face_value, u.selling_price, u.encrypted_code, u.code_hash,
			u.status, u.expires_at, u.reserved_at, u.created_at, u.updated_at
		FROM delivery_schedules s
		JOIN users usr ON usr.id = s.sender_id
		JOIN recipients rc ON rc.id = s.recipient_id
		JOIN inventory_units u ON u.id = s.inventory_unit_id
		JOIN vendors v ON v.id = u.vendor_id
		WHERE s.id = $1
	`, id).Scan(
		&s.ID, &s.SenderID, &s.RecipientID, &s.InventoryUnitID, &s.PaymentID,
		&s.ScheduledAt, &s.CustomMessage, &s.NotifySender, &status, &sentAt, &s.FailureReason,
		&s.CreatedAt, &s.UpdatedAt,
		&d.Sender.ID, &d.Sender.Name, &d.Sender.Email,
		&d.Recipient.ID, &d.Recipient.SenderID, &d.Recipient.Name, &d.Recipient.Email,
		&d.Recipient.Birthday, &d.Recipient.CreatedAt, &d.Recipient.UpdatedAt,
		&d.Vendor.ID, &d.Vendor.Name,
		&u.ID, &u.VendorID, &u.FaceValue, &u.SellingPrice, &u.EncryptedCode, &u.CodeHash,
		&unitStatus, &expiresAt, &reservedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ScheduleDetails{}, domain.ErrScheduleNotFound
		}
		return domain.ScheduleDetails{}, errors.Wrap(err, "load schedule details")
	}
	s.Status = domain.DeliveryStatus(status)
	s.SentAt = nullTimePtr(sentAt)
	u.Status = domain.InventoryStatus(unitStatus)
	u.ExpiresAt = nullTimePtr(expiresAt)
	u.ReservedAt = nullTimePtr(reservedAt)
	return d, nil
}

func scanSchedule(row rowScanner) (domain.DeliverySchedule, error) {
	var (
		s      domain.DeliverySchedule
		status string
		sentAt sql.NullTime
	)
	if err := row.Scan(
		&s.ID, &s.SenderID, &s.RecipientID, &s.InventoryUnitID, &s.PaymentID,
		&s.ScheduledAt, &s.CustomMessage, &s.NotifySender, &status, &sentAt, &s.FailureReason,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.DeliverySchedule{}, err
	}
	s.Status = domain.DeliveryStatus(status)
	s.SentAt = nullTimePtr(sentAt)
	return s, nil
}

var _ domain.ScheduleRepository = (*scheduleRepository)(nil)
