package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

func enqueueOutbox(t *testing.T, uow domain.UnitOfWork, msgs ...domain.OutboxMessage) []domain.OutboxMessage {
	t.Helper()
	stored := make([]domain.OutboxMessage, 0, len(msgs))
	err := uow.Within(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		for _, m := range msgs {
			saved, err := tx.Outbox().Enqueue(ctx, m)
			if err != nil {
				return err
			}
			stored = append(stored, saved)
		}
		return nil
	})
	require.NoError(t, err)
	return stored
}

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	stored := enqueueOutbox(t, NewUnitOfWork(store, nil),
		domain.OutboxMessage{
			AggregateType: domain.OutboxAggregateSchedule,
			AggregateID:   "schedule-1",
			EventType:     domain.OutboxDeliveryEnqueue,
			Payload:       []byte(`{"schedule_id":"schedule-1"}`),
		},
		domain.OutboxMessage{
			ID:            "outbox-fixed-id",
			AggregateType: domain.OutboxAggregateInventory,
			AggregateID:   "vendor-1",
			EventType:     string(domain.EventInventoryLow),
		},
	)
	require.NotEmpty(t, stored[0].ID, "id is generated when absent")
	require.Equal(t, "outbox-fixed-id", stored[1].ID)

	pending, err := repo.PullPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.JSONEq(t, `{"schedule_id":"schedule-1"}`, string(pending[0].Payload))
	require.Empty(t, pending[1].Payload)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PendingCount)
	require.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, stored[0].ID))
	require.NoError(t, repo.MarkFailed(ctx, stored[1].ID))

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.True(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_PostgresKeepsWriteOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	var msgs []domain.OutboxMessage
	for i := range 5 {
		msgs = append(msgs, domain.OutboxMessage{
			ID:            fmt.Sprintf("z-%d", 5-i),
			AggregateType: domain.OutboxAggregateSchedule,
			AggregateID:   "schedule-order",
			EventType:     domain.OutboxDeliveryEnqueue,
			Payload:       []byte(`{}`),
		})
	}
	enqueueOutbox(t, NewUnitOfWork(store, nil), msgs...)

	pending, err := repo.PullPending(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// одна транзакция даёт одинаковый created_at, дальше порядок по id
	require.Equal(t, []string{"z-1", "z-2", "z-3"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestOutboxRepository_PostgresRollbackDropsMessages(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	boom := errors.New("boom")
	err := NewUnitOfWork(store, nil).Within(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.OutboxAggregateSchedule,
			AggregateID:   "schedule-rollback",
			EventType:     domain.OutboxDeliveryEnqueue,
			Payload:       []byte(`{}`),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "rollback must drop the outbox message")
}

func TestOutboxRepository_PostgresMissingRows(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	require.ErrorIs(t, repo.MarkSent(ctx, "missing-outbox"), domain.ErrOutboxPublish)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing-outbox"), domain.ErrOutboxPublish)
}
