package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// IdempotencyStatus — стадия обработки запроса с ключом идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

var idempotencyStatuses = []IdempotencyStatus{
	IdempotencyStatusProcessing,
	IdempotencyStatusDone,
	IdempotencyStatusFailed,
}

func (s IdempotencyStatus) Valid() bool { return slices.Contains(idempotencyStatuses, s) }

// Settled — ответ сохранён, повтор получит его без повторного выполнения.
func (s IdempotencyStatus) Settled() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// DefaultIdempotencyTTL — срок ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord — запрос планирования, принятый под ключом.
type IdempotencyRecord struct {
	Key          string
	SenderID     string
	RequestHash  string
	ResponseBody []byte
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewIdempotencyRecord проверяет ключ и хэш и открывает запись в статусе processing.
func NewIdempotencyRecord(key, senderID, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, errors.Mark(errors.New("idempotency key is required"), ErrValidation)
	}
	if requestHash == "" {
		return IdempotencyRecord{}, errors.Mark(errors.New("idempotency request hash is required"), ErrValidation)
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		SenderID:    senderID,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired — ключ отжил своё; новый запрос может занять его заново.
func (r IdempotencyRecord) Expired(now time.Time) bool { return !r.TTLAt.After(now) }

// Conflict объясняет, почему занятый ключ нельзя взять: другой запрос или повтор.
func (r IdempotencyRecord) Conflict(senderID, requestHash string) error {
	if r.SenderID != senderID || r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Settle фиксирует ответ. Переход возможен только из processing.
func (r IdempotencyRecord) Settle(status IdempotencyStatus, body []byte, now time.Time) (IdempotencyRecord, error) {
	if !status.Settled() {
		return r, errors.Newf("cannot settle idempotency key with status %q", status)
	}
	if r.Status != IdempotencyStatusProcessing {
		return r, errors.Wrapf(ErrIdempotencySettled, "key %s is %s", r.Key, r.Status)
	}
	r.Status = status
	r.ResponseBody = append([]byte(nil), body...)
	r.UpdatedAt = now
	return r, nil
}
