package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func validRequest() ScheduleRequest {
	return ScheduleRequest{
		VendorID: "vendor-1",
		Amount:   decimal.NewFromInt(25),
		Recipient: RecipientInput{
			Name:     "Alice",
			Email:    "alice@example.com",
			Birthday: "1990-05-17",
		},
		SendGiftDate: "2026-05-17",
		IsNotify:     true,
	}
}

func TestScheduleRequestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *ScheduleRequest)
		wantField string
	}{
		{name: "valid", mutate: func(r *ScheduleRequest) {}},
		{name: "missing vendor", mutate: func(r *ScheduleRequest) { r.VendorID = "" }, wantField: "vendor_id"},
		{name: "bad email", mutate: func(r *ScheduleRequest) { r.Recipient.Email = "nope" }, wantField: "recipient.email"},
		{name: "zero amount", mutate: func(r *ScheduleRequest) { r.Amount = decimal.Zero }, wantField: "amount"},
		{name: "missing send date", mutate: func(r *ScheduleRequest) { r.SendGiftDate = "" }, wantField: "send_gift_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("field = %q, want %q", ve.Field, tt.wantField)
			}
			if Classify(err) != FailureRetryable {
				t.Fatalf("validation must be retryable, got %s", Classify(err))
			}
		})
	}
}

func TestSchedulePatchValidate(t *testing.T) {
	var empty SchedulePatch
	if err := empty.Validate(); !IsValidation(err) {
		t.Fatalf("empty patch must fail validation, got %v", err)
	}
	msg := "happy birthday"
	p := SchedulePatch{CustomMessage: &msg}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
