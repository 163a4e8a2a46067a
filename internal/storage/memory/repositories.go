package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

type recipientRepository struct{ st *state }

func (r recipientRepository) FindByEmail(_ context.Context, senderID, email string) (domain.Recipient, error) {
	email = strings.TrimSpace(email)
	for _, rec := range r.st.recipients {
		if rec.SenderID == senderID && strings.EqualFold(rec.Email, email) {
			return rec, nil
		}
	}
	return domain.Recipient{}, domain.ErrRecipientNotFound
}

func (r recipientRepository) Create(ctx context.Context, rec domain.Recipient) error {
	if _, err := r.FindByEmail(ctx, rec.SenderID, rec.Email); err == nil {
		return errors.Wrapf(domain.ErrScheduleConflict, "recipient %s already exists", rec.Email)
	}
	r.st.recipients[rec.ID] = rec
	return nil
}

func (r recipientRepository) Update(_ context.Context, rec domain.Recipient) error {
	cur, ok := r.st.recipients[rec.ID]
	if !ok {
		return domain.ErrRecipientNotFound
	}
	cur.Name = rec.Name
	cur.Birthday = rec.Birthday
	cur.UpdatedAt = rec.UpdatedAt
	r.st.recipients[rec.ID] = cur
	return nil
}

type inventoryRepository struct{ st *state }

func (r inventoryRepository) Create(_ context.Context, u domain.InventoryUnit) error {
	if _, ok := r.st.units[u.ID]; ok {
		return errors.Newf("inventory unit %s already exists", u.ID)
	}
	for _, existing := range r.st.units {
		if existing.CodeHash == u.CodeHash {
			return domain.ErrDuplicateCode
		}
	}
	r.st.units[u.ID] = u
	return nil
}

func (r inventoryRepository) Get(_ context.Context, id string) (domain.InventoryUnit, error) {
	u, ok := r.st.units[id]
	if !ok {
		return domain.InventoryUnit{}, domain.ErrInventoryNotFound
	}
	return u, nil
}

func (r inventoryRepository) Candidates(_ context.Context, vendorID string, faceValue decimal.Decimal, now time.Time, limit int) ([]domain.InventoryUnit, error) {
	if limit <= 0 {
		limit = 5
	}
	out := r.sellable(vendorID, faceValue, now)
	slices.SortFunc(out, func(a, b domain.InventoryUnit) int {
		switch {
		case domain.LessForSale(a, b):
			return -1
		case domain.LessForSale(b, a):
			return 1
		default:
			return 0
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r inventoryRepository) Transition(_ context.Context, id string, from, to domain.InventoryStatus, at time.Time) error {
	if !domain.CanTransition(from, to) && !(to == domain.InventoryAvailable && domain.CanRestock(from)) {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", from, to)
	}
	u, ok := r.st.units[id]
	if !ok || u.Status != from {
		return domain.ErrInventoryConflict
	}
	u.Status = to
	u.UpdatedAt = at
	u.ReservedAt = nil
	if to == domain.InventoryReserved {
		reservedAt := at
		u.ReservedAt = &reservedAt
	}
	r.st.units[id] = u
	return nil
}

func (r inventoryRepository) CountAvailable(_ context.Context, vendorID string, faceValue decimal.Decimal, now time.Time) (int, error) {
	return len(r.sellable(vendorID, faceValue, now)), nil
}

func (r inventoryRepository) StaleReservations(_ context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.InventoryUnit
	for _, u := range r.st.units {
		if u.Status == domain.InventoryReserved && u.ReservedAt != nil && u.ReservedAt.Before(reservedBefore) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b domain.InventoryUnit) int { return a.ReservedAt.Compare(*b.ReservedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r inventoryRepository) sellable(vendorID string, faceValue decimal.Decimal, now time.Time) []domain.InventoryUnit {
	var out []domain.InventoryUnit
	for _, u := range r.st.units {
		if u.VendorID == vendorID && u.FaceValue.Equal(faceValue) && u.Sellable(now) {
			out = append(out, u)
		}
	}
	return out
}

type scheduleRepository struct{ st *state }

func (r scheduleRepository) Create(_ context.Context, s domain.DeliverySchedule) error {
	if _, ok := r.st.schedules[s.ID]; ok {
		return errors.Wrapf(domain.ErrScheduleConflict, "schedule %s already exists", s.ID)
	}
	for _, existing := range r.st.schedules {
		if existing.InventoryUnitID == s.InventoryUnitID {
			return errors.Wrapf(domain.ErrScheduleConflict, "unit %s already scheduled", s.InventoryUnitID)
		}
	}
	r.st.schedules[s.ID] = s
	return nil
}

func (r scheduleRepository) Get(_ context.Context, id string) (domain.DeliverySchedule, error) {
	s, ok := r.st.schedules[id]
	if !ok {
		return domain.DeliverySchedule{}, domain.ErrScheduleNotFound
	}
	return s, nil
}

func (r scheduleRepository) UpdateFields(_ context.Context, s domain.DeliverySchedule) error {
	cur, ok := r.st.schedules[s.ID]
	if !ok || cur.Status != domain.DeliveryPending {
		return domain.ErrScheduleConflict
	}
	cur.ScheduledAt = s.ScheduledAt
	cur.CustomMessage = s.CustomMessage
	cur.UpdatedAt = s.UpdatedAt
	r.st.schedules[s.ID] = cur
	return nil
}

func (r scheduleRepository) SetStatus(_ context.Context, id string, from, to domain.DeliveryStatus, sentAt *time.Time, reason string, at time.Time) error {
	cur, ok := r.st.schedules[id]
	if !ok || cur.Status != from {
		return domain.ErrScheduleConflict
	}
	cur.Status = to
	cur.SentAt = sentAt
	cur.FailureReason = reason
	cur.UpdatedAt = at
	r.st.schedules[id] = cur
	return nil
}

func (r scheduleRepository) Delete(_ context.Context, id string) error {
	if _, ok := r.st.schedules[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(r.st.schedules, id)
	return nil
}

func (r scheduleRepository) List(_ context.Context, f domain.ScheduleFilter) ([]domain.ScheduleSummary, int, error) {
	var all []domain.ScheduleSummary
	for _, s := range r.st.schedules {
		if !matchesScheduleFilter(s, f) {
			continue
		}
		rc := r.st.recipients[s.RecipientID]
		u := r.st.units[s.InventoryUnitID]
		all = append(all, domain.ScheduleSummary{
			DeliverySchedule: s,
			RecipientName:    rc.Name,
			RecipientEmail:   rc.Email,
			VendorID:         u.VendorID,
			VendorName:       r.st.vendors[u.VendorID].Name,
			FaceValue:        u.FaceValue,
		})
	}
	slices.SortFunc(all, func(a, b domain.ScheduleSummary) int {
		if c := b.ScheduledAt.Compare(a.ScheduledAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	total := len(all)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return paginate(all, max(f.Offset, 0), limit), total, nil
}

func matchesScheduleFilter(s domain.DeliverySchedule, f domain.ScheduleFilter) bool {
	switch {
	case f.SenderID != "" && s.SenderID != f.SenderID:
		return false
	case f.RecipientID != "" && s.RecipientID != f.RecipientID:
		return false
	case f.Status != "" && s.Status != f.Status:
		return false
	case f.ScheduledFrom != nil && s.ScheduledAt.Before(*f.ScheduledFrom):
		return false
	case f.ScheduledTo != nil && s.ScheduledAt.After(*f.ScheduledTo):
		return false
	}
	return true
}

func (r scheduleRepository) CountByStatus(context.Context) (map[domain.DeliveryStatus]int, error) {
	out := map[domain.DeliveryStatus]int{}
	for _, s := range r.st.schedules {
		out[s.Status]++
	}
	return out, nil
}

func (r scheduleRepository) Details(_ context.Context, id string) (domain.ScheduleDetails, error) {
	s, ok := r.st.schedules[id]
	if !ok {
		return domain.ScheduleDetails{}, domain.ErrScheduleNotFound
	}
	sender, ok := r.st.senders[s.SenderID]
	if !ok {
		return domain.ScheduleDetails{}, domain.ErrSenderNotFound
	}
	rc, ok := r.st.recipients[s.RecipientID]
	if !ok {
		return domain.ScheduleDetails{}, domain.ErrRecipientNotFound
	}
	u, ok := r.st.units[s.InventoryUnitID]
	if !ok {
		return domain.ScheduleDetails{}, domain.ErrInventoryNotFound
	}
	v, ok := r.st.vendors[u.VendorID]
	if !ok {
		return domain.ScheduleDetails{}, domain.ErrVendorNotFound
	}
	return domain.ScheduleDetails{Schedule: s, Sender: sender, Recipient: rc, Vendor: v, Unit: u}, nil
}

type paymentRepository struct{ st *state }

func (r paymentRepository) Create(_ context.Context, p domain.PaymentRecord) error {
	if _, ok := r.st.payments[p.ID]; ok {
		return errors.Newf("payment %s already exists", p.ID)
	}
	r.st.payments[p.ID] = p
	return nil
}

func (r paymentRepository) Update(_ context.Context, p domain.PaymentRecord) error {
	if _, ok := r.st.payments[p.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	r.st.payments[p.ID] = p
	return nil
}

func (r paymentRepository) Get(_ context.Context, id string) (domain.PaymentRecord, error) {
	p, ok := r.st.payments[id]
	if !ok {
		return domain.PaymentRecord{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

type ledgerRepository struct{ st *state }

func (r ledgerRepository) Append(_ context.Context, t domain.InventoryTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	r.st.ledger = append(r.st.ledger, t)
	return nil
}

func (r ledgerRepository) ListByUnit(_ context.Context, unitID string) ([]domain.InventoryTransaction, error) {
	var out []domain.InventoryTransaction
	for _, t := range r.st.ledger {
		if t.UnitID == unitID {
			out = append(out, t)
		}
	}
	return out, nil
}

type historyRepository struct{ st *state }

func (r historyRepository) Upsert(_ context.Context, rec domain.JobHistoryRecord) (bool, error) {
	_, exists := r.st.history[rec.JobID]
	r.st.history[rec.JobID] = rec
	return !exists, nil
}

func (r historyRepository) Get(_ context.Context, jobID string) (domain.JobHistoryRecord, error) {
	rec, ok := r.st.history[jobID]
	if !ok {
		return domain.JobHistoryRecord{}, domain.ErrHistoryNotFound
	}
	return rec, nil
}

func (r historyRepository) Recent(_ context.Context, senderID string, limit int) ([]domain.JobHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out := r.filter(func(rec domain.JobHistoryRecord) bool {
		return senderID == "" || rec.SenderID == senderID
	})
	return paginate(out, 0, limit), nil
}

func (r historyRepository) Search(_ context.Context, f domain.HistoryFilter) ([]domain.JobHistoryRecord, int, error) {
	f = f.Normalize()
	out := r.filter(func(rec domain.JobHistoryRecord) bool {
		at := historyTime(rec)
		switch {
		case f.Status != "" && rec.Status != f.Status:
			return false
		case f.SenderID != "" && rec.SenderID != f.SenderID:
			return false
		case f.RecipientEmail != "" && !containsFold(rec.RecipientEmail, f.RecipientEmail):
			return false
		case f.RecipientName != "" && !containsFold(rec.RecipientName, f.RecipientName):
			return false
		case f.DateFrom != nil && at.Before(*f.DateFrom):
			return false
		case f.DateTo != nil && at.After(*f.DateTo):
			return false
		}
		return true
	})
	return paginate(out, f.Offset(), f.Limit), len(out), nil
}

func (r historyRepository) filter(keep func(domain.JobHistoryRecord) bool) []domain.JobHistoryRecord {
	var out []domain.JobHistoryRecord
	for _, rec := range r.st.history {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.JobHistoryRecord) int {
		if c := historyTime(b).Compare(historyTime(a)); c != 0 {
			return c
		}
		return strings.Compare(a.JobID, b.JobID)
	})
	return out
}

func historyTime(rec domain.JobHistoryRecord) time.Time {
	if rec.FinishedAt != nil {
		return *rec.FinishedAt
	}
	return rec.RecordedAt
}

type directoryRepository struct{ st *state }

func (r directoryRepository) Sender(_ context.Context, id string) (domain.Sender, error) {
	s, ok := r.st.senders[id]
	if !ok {
		return domain.Sender{}, domain.ErrSenderNotFound
	}
	return s, nil
}

func (r directoryRepository) Vendor(_ context.Context, id string) (domain.Vendor, error) {
	v, ok := r.st.vendors[id]
	if !ok {
		return domain.Vendor{}, domain.ErrVendorNotFound
	}
	return v, nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
