package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/memory"
)

func TestIdempotencyKeys_ClaimReplayMismatch(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := now.Add(time.Hour).Truncate(time.Second)

	created, err := repo.CreateProcessing(ctx, " key-1 ", "sender-1", "hash-a", now, ttl)
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Key != "key-1" || created.Status != domain.IdempotencyStatusProcessing || !created.TTLAt.Equal(ttl) {
		t.Fatalf("unexpected record %+v", created)
	}

	tests := []struct {
		name     string
		senderID string
		hash     string
		want     error
	}{
		{name: "replay", senderID: "sender-1", hash: "hash-a", want: domain.ErrIdempotencyKeyAlreadyExists},
		{name: "other body", senderID: "sender-1", hash: "hash-b", want: domain.ErrIdempotencyHashMismatch},
		{name: "other sender", senderID: "sender-2", hash: "hash-a", want: domain.ErrIdempotencyHashMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing, err := repo.CreateProcessing(ctx, "key-1", tt.senderID, tt.hash, now, ttl)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if existing.RequestHash != "hash-a" {
				t.Fatalf("conflict must return the stored record, got %+v", existing)
			}
		})
	}

	if _, err := repo.CreateProcessing(ctx, " ", "sender-1", "hash", now, ttl); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank key must be rejected, got %v", err)
	}
}

func TestIdempotencyKeys_ExpiredKeyCanBeReclaimed(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	issued := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	if _, err := repo.CreateProcessing(ctx, "key-1", "sender-1", "hash-old", issued, issued.Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, "key-1", "sender-2", "hash-new", issued.Add(59*time.Minute), issued.Add(2*time.Hour)); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("key is still live by the caller clock, got %v", err)
	}
	reclaimed, err := repo.CreateProcessing(ctx, "key-1", "sender-2", "hash-new", issued.Add(time.Hour), issued.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expired key must be reusable, got %v", err)
	}
	if reclaimed.SenderID != "sender-2" || reclaimed.RequestHash != "hash-new" {
		t.Fatalf("unexpected reclaimed record %+v", reclaimed)
	}
}

func TestIdempotencyKeys_SettleOnce(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	if _, err := repo.CreateProcessing(ctx, "key-1", "sender-1", "hash", time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"schedule_id":"s-1"}`)
	if err := repo.MarkDone(ctx, "key-1", body); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	body[0] = 'x'

	got, err := repo.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusDone || string(got.ResponseBody) != `{"schedule_id":"s-1"}` {
		t.Fatalf("stored response must be a copy: %+v", got)
	}

	if err := repo.MarkFailed(ctx, "key-1", nil); !errors.Is(err, domain.ErrIdempotencySettled) {
		t.Fatalf("settled key must not be overwritten, got %v", err)
	}
	if err := repo.MarkDone(ctx, "missing", nil); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
}

func TestIdempotencyKeys_DeleteExpiredOldestFirst(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for key, ttl := range map[string]time.Time{
		"oldest": now.Add(-3 * time.Hour),
		"older":  now.Add(-2 * time.Hour),
		"old":    now.Add(-time.Hour),
		"live":   now.Add(time.Hour),
	} {
		if _, err := repo.CreateProcessing(ctx, key, "sender-1", "hash-"+key, now.Add(-4*time.Hour), ttl); err != nil {
			t.Fatalf("CreateProcessing(%s): %v", key, err)
		}
	}

	removed, err := repo.DeleteExpired(ctx, now, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d, %v", removed, err)
	}
	for _, key := range []string{"oldest", "older"} {
		if _, err := repo.Get(ctx, key); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			t.Errorf("%s must be removed first, got %v", key, err)
		}
	}

	removed, err = repo.DeleteExpired(ctx, time.Time{}, 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected the remaining expired key removed, got %d, %v", removed, err)
	}
	if _, err := repo.Get(ctx, "live"); err != nil {
		t.Fatalf("live key must survive: %v", err)
	}
}
