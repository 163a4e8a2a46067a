package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

const historyColumns = `job_id, schedule_id, sender_id, recipient_name, recipient_email,
	sender_name, sender_email, vendor_name, face_value, masked_code, code_hash, custom_message,
	status, attempts, error, scheduled_at, enqueued_at, started_at, finished_at, recorded_at`

type historyRepository struct {
	q queryer
}

// Upsert пишет запись по job_id; xmax = 0 у только что вставленной строки.
func (r *historyRepository) Upsert(ctx context.Context, rec domain.JobHistoryRecord) (bool, error) {
	var created bool
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO job_history (`+historyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			recorded_at = EXCLUDED.recorded_at
		RETURNING (xmax = 0)
	`,
		rec.JobID, rec.ScheduleID, rec.SenderID, rec.RecipientName, rec.RecipientEmail,
		rec.SenderName, rec.SenderEmail, rec.VendorName, rec.FaceValue, rec.MaskedCode, rec.CodeHash,
		rec.CustomMessage, string(rec.Status), rec.Attempts, rec.Error, rec.ScheduledAt, rec.EnqueuedAt,
		rec.StartedAt, rec.FinishedAt, rec.RecordedAt,
	).Scan(&created)
	if err != nil {
		return false, errors.Wrap(err, "upsert job history")
	}
	return created, nil
}

func (r *historyRepository) Get(ctx context.Context, jobID string) (domain.JobHistoryRecord, error) {
	rec, err := scanHistory(r.q.QueryRowContext(ctx, `
		SELECT `+historyColumns+` FROM job_history WHERE job_id = $1
	`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobHistoryRecord{}, domain.ErrHistoryNotFound
		}
		return domain.JobHistoryRecord{}, errors.Wrap(err, "get job history")
	}
	return rec, nil
}

func (r *historyRepository) Recent(ctx context.Context, senderID string, limit int) ([]domain.JobHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM job_history
		WHERE ($1 = '' OR sender_id = $1)
		ORDER BY COALESCE(finished_at, recorded_at) DESC, job_id
		LIMIT $2
	`, senderID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent job history")
	}
	return collectHistory(rows)
}

func (r *historyRepository) Search(ctx context.Context, f domain.HistoryFilter) ([]domain.JobHistoryRecord, int, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.SenderID != "" {
		add("sender_id = ?", f.SenderID)
	}
	if f.RecipientEmail != "" {
		add("recipient_email ILIKE ?", "%"+f.RecipientEmail+"%")
	}
	if f.RecipientName != "" {
		add("recipient_name ILIKE ?", "%"+f.RecipientName+"%")
	}
	if f.DateFrom != nil {
		add("COALESCE(finished_at, recorded_at) >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("COALESCE(finished_at, recorded_at) <= ?", *f.DateTo)
	}
	cond := ""
	if len(where) > 0 {
		cond = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_history `+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count job history")
	}

	args = append(args, f.Limit, f.Offset())
	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM job_history
		%s
		ORDER BY COALESCE(finished_at, recorded_at) DESC, job_id
		LIMIT $%d OFFSET $%d
	`, historyColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "search job history")
	}
	out, err := collectHistory(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func scanHistory(row rowScanner) (domain.JobHistoryRecord, error) {
	var (
		rec        domain.JobHistoryRecord
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.JobID, &rec.ScheduleID, &rec.SenderID, &rec.RecipientName, &rec.RecipientEmail,
		&rec.SenderName, &rec.SenderEmail, &rec.VendorName, &rec.FaceValue, &rec.MaskedCode, &rec.CodeHash,
		&rec.CustomMessage, &status, &rec.Attempts, &rec.Error, &rec.ScheduledAt, &rec.EnqueuedAt,
		&startedAt, &finishedAt, &rec.RecordedAt,
	); err != nil {
		return domain.JobHistoryRecord{}, err
	}
	rec.Status = domain.JobStatus(status)
	rec.StartedAt = nullTimePtr(startedAt)
	rec.FinishedAt = nullTimePtr(finishedAt)
	return rec, nil
}

func collectHistory(rows *sql.Rows) ([]domain.JobHistoryRecord, error) {
	defer rows.Close()

	var out []domain.JobHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job history")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate job history")
	}
	return out, nil
}

var _ domain.JobHistoryRepository = (*historyRepository)(nil)
