package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestJobStatusMapping(t *testing.T) {
	tests := []struct {
		job  Job
		want JobStatus
	}{
		{job: Job{State: JobWaiting}, want: JobStatusWaiting},
		{job: Job{State: JobActive, Attempts: 1}, want: JobStatusActive},
		{job: Job{State: JobDelayed}, want: JobStatusDelayed},
		{job: Job{State: JobDelayed, Attempts: 1}, want: JobStatusRetrying},
		{job: Job{State: JobCompleted}, want: JobStatusCompleted},
		{job: Job{State: JobFailed}, want: JobStatusFailed},
	}
	for _, tt := range tests {
		if got := tt.job.Status(); got != tt.want {
			t.Fatalf("state %s attempts %d: got %s, want %s", tt.job.State, tt.job.Attempts, got, tt.want)
		}
	}
}

func TestMaskCode(t *testing.T) {
	cases := map[string]string{
		"TEST-1234-5678-9012": "***************9012",
		"1234":                "****",
		"":                    "",
	}
	for in, want := range cases {
		if got := MaskCode(in); got != want {
			t.Fatalf("MaskCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHistoryFromJobNeverKeepsPlainCode(t *testing.T) {
	finished := time.Date(2026, 5, 17, 0, 0, 5, 0, time.UTC)
	job := Job{
		ID:         "job-1",
		State:      JobCompleted,
		Attempts:   1,
		FinishedAt: &finished,
		Payload: DeliveryPayload{
			ScheduleID:     "job-1",
			RecipientEmail: "alice@example.com",
			VendorName:     "Amazon",
			FaceValue:      decimal.NewFromInt(25),
			GiftCode:       "ABCD-EFGH-1234",
			CodeHash:       "hash",
		},
	}

	rec := HistoryFromJob(job, finished)
	if rec.Status != JobStatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.MaskedCode != "**********1234" {
		t.Fatalf("masked code = %q", rec.MaskedCode)
	}
	if rec.RecipientEmail != "alice@example.com" || rec.VendorName != "Amazon" {
		t.Fatalf("business fields not copied: %+v", rec)
	}
}

func TestHistoryFilterNormalize(t *testing.T) {
	f := HistoryFilter{}.Normalize()
	if f.Page != 1 || f.Limit != 10 || f.Offset() != 0 {
		t.Fatalf("defaults: %+v", f)
	}
	f = HistoryFilter{Page: 3, Limit: 20}.Normalize()
	if f.Offset() != 40 {
		t.Fatalf("offset = %d", f.Offset())
	}
	if TotalPages(41, 20) != 3 || TotalPages(0, 10) != 0 {
		t.Fatal("TotalPages mismatch")
	}
}
