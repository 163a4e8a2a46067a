package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

func TestMockGateway(t *testing.T) {
	mock := NewMockGateway()

	req := domain.ChargeRequest{Amount: decimal.NewFromInt(23), Currency: "usd", MethodRef: "pm-1"}
	res, err := mock.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected charge error: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if !res.CapturedAmount.Equal(req.Amount) {
		t.Fatalf("captured %s, want %s", res.CapturedAmount, req.Amount)
	}
	if res.ReferenceID == "" {
		t.Fatal("expected reference id")
	}

	mock.Set(domain.ChargeFailed, nil)
	res, err = mock.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected charge error: %v", err)
	}
	if res.Confirmed() || !res.CapturedAmount.IsZero() {
		t.Fatalf("expected declined charge, got %+v", res)
	}

	if mock.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", mock.Calls())
	}
	if mock.LastRequest().MethodRef != "pm-1" {
		t.Fatalf("unexpected last request: %+v", mock.LastRequest())
	}
}

func TestMockGatewayErrorAndTimeout(t *testing.T) {
	mock := NewMockGateway()
	wantErr := errors.New("network down")
	mock.Set(domain.ChargeConfirmed, wantErr)

	if _, err := mock.Charge(context.Background(), domain.ChargeRequest{}); !errors.Is(err, wantErr) {
		t.Fatalf("expected configured error, got %v", err)
	}

	mock.Set(domain.ChargeConfirmed, nil)
	mock.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := mock.Charge(ctx, domain.ChargeRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
