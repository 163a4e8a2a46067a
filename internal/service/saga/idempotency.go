package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// failurePayload — сохранённый отказ для повторного ответа по тому же ключу.
type failurePayload struct {
	Kind    string              `json:"kind"`
	Class   domain.FailureClass `json:"class"`
	Message string              `json:"message"`
}

// failureKinds — отказы, которые переживают повтор по ключу с тем же смыслом.
var failureKinds = []struct {
	kind string
	err  error
}{
	{"validation", domain.ErrValidation},
	{"no_inventory", domain.ErrNoInventory},
	{"no_payment_method", domain.ErrNoPaymentMethod},
	{"payment_timeout", domain.ErrPaymentTimeout},
	{"payment_declined", domain.ErrPaymentDeclined},
	{"vendor_not_found", domain.ErrVendorNotFound},
}

func (o *Orchestrator) scheduleIdempotent(ctx context.Context, senderID string, req domain.ScheduleRequest) (domain.ScheduleResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	hash, err := requestHash(senderID, req)
	if err != nil {
		return domain.ScheduleResult{}, errors.Wrap(err, "hash schedule request")
	}

	now := o.clock.Now()
	record, err := o.idem.CreateProcessing(ctx, key, senderID, hash, now, now.Add(o.idemTTL))
	if err != nil {
		return replay(err, record)
	}

	result, runErr := o.schedule(ctx, senderID, req)
	if runErr != nil {
		o.storeFailure(ctx, key, runErr)
		return result, runErr
	}

	body, err := json.Marshal(result)
	if err == nil {
		err = o.idem.MarkDone(ctx, key, body)
	}
	if err != nil {
		o.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
	return result, nil
}

func replay(createErr error, record domain.IdempotencyRecord) (domain.ScheduleResult, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return domain.ScheduleResult{}, createErr
	case !errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		return domain.ScheduleResult{}, errors.Wrap(createErr, "create idempotency record")
	}

	switch record.Status {
	case domain.IdempotencyStatusDone:
		var result domain.ScheduleResult
		if err := json.Unmarshal(record.ResponseBody, &result); err != nil {
			return domain.ScheduleResult{}, errors.Wrap(err, "decode stored response")
		}
		return result, nil
	case domain.IdempotencyStatusProcessing:
		return domain.ScheduleResult{}, domain.ErrIdempotencyInProgress
	default:
		return domain.ScheduleResult{}, decodeFailure(record.ResponseBody)
	}
}

func (o *Orchestrator) storeFailure(ctx context.Context, key string, runErr error) {
	payload := failurePayload{Class: domain.Classify(runErr), Message: runErr.Error()}
	for _, k := range failureKinds {
		if errors.Is(runErr, k.err) {
			payload.Kind = k.kind
			break
		}
	}
	body, err := json.Marshal(payload)
	if err == nil {
		err = o.idem.MarkFailed(ctx, key, body)
	}
	if err != nil {
		o.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent failure")
	}
}

// decodeFailure восстанавливает ошибку вместе с её классом и доменной меткой.
func decodeFailure(body []byte) error {
	var payload failurePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		return errors.New("previous request with the same idempotency key failed")
	}

	err := errors.New(payload.Message)
	for _, k := range failureKinds {
		if k.kind == payload.Kind {
			err = errors.Mark(err, k.err)
			break
		}
	}
	switch payload.Class {
	case domain.FailureRetryable:
		err = domain.NothingHappened(err)
	case domain.FailureNeedsAttention:
		err = domain.NeedsAttention(err)
	}
	return err
}

func requestHash(senderID string, req domain.ScheduleRequest) (string, error) {
	req.IdempotencyKey = ""
	data, err := json.Marshal(struct {
		SenderID string                 `json:"sender_id"`
		Request  domain.ScheduleRequest `json:"request"`
	}{senderID, req})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
