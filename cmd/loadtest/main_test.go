package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/giftsched/internal/service/grpc"
)

type recordedCall struct {
	method string
	fields map[string]any
	md     metadata.MD
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []recordedCall
	fn    func(method string, fields map[string]any) (*structpb.Struct, error)
}

func (f *fakeCaller) Call(ctx context.Context, method string, fields map[string]any, _ ...grpc.CallOption) (*structpb.Struct, error) {
	md, _ := metadata.FromOutgoingContext(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, fields: fields, md: md})
	f.mu.Unlock()
	return f.fn(method, fields)
}

func (f *fakeCaller) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func okCaller() *fakeCaller {
	return &fakeCaller{fn: func(method string, _ map[string]any) (*structpb.Struct, error) {
		if method == grpcsvc.MethodSchedule {
			return structpb.NewStruct(map[string]any{"schedule_id": "sched-1"})
		}
		return structpb.NewStruct(nil)
	}}
}

func parseArgs(args ...string) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseConfig(fs, args)
}

func TestParseMode(t *testing.T) {
	for _, mode := range []loadMode{modeSchedule, modeScheduleCancel, modeScheduleList} {
		got, err := parseMode(" " + string(mode) + " ")
		if err != nil || got != mode {
			t.Fatalf("parseMode(%q) = %q, %v", mode, got, err)
		}
	}
	if _, err := parseMode("create-pay"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseArgs()
	if err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
	if cfg.mode != modeSchedule || cfg.total != 400 || cfg.totalSet || cfg.amount != defaultAmount {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg, err = parseArgs("-duration=1m", "-total=10", "-mode=schedule-list", "-timeout=2s")
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if !cfg.totalSet || cfg.duration != time.Minute || cfg.timeout != 2*time.Second || cfg.mode != modeScheduleList {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	invalid := map[string][]string{
		"negative duration": {"-duration=-1s"},
		"zero total":        {"-total=0"},
		"zero concurrency":  {"-concurrency=0"},
		"zero connections":  {"-connections=0"},
		"zero timeout":      {"-timeout=0s"},
		"zero amount":       {"-amount=0"},
		"past send date":    {"-days-ahead=0"},
		"cancel rate":       {"-cancel-rate=101"},
		"empty sender":      {"-sender= "},
		"empty vendor":      {"-vendor="},
		"bad mode":          {"-mode=refund"},
		"bad duration":      {"-duration=soon"},
	}
	for name, args := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := parseArgs(args...); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
}

func TestDispatchJobs(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(context.Background(), jobs, config{total: 3})
	var got []int
	for i := range jobs {
		got = append(got, i)
	}
	if len(got) != 3 || got[2] != 2 {
		t.Fatalf("count mode dispatched %v", got)
	}

	jobs = make(chan int)
	done := make(chan int)
	go func() {
		n := 0
		for range jobs {
			n++
		}
		done <- n
	}()
	dispatchJobs(context.Background(), jobs, config{duration: 30 * time.Millisecond})
	if n := <-done; n == 0 {
		t.Fatal("duration mode dispatched nothing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs = make(chan int)
	dispatchJobs(ctx, jobs, config{duration: time.Hour})
	if _, open := <-jobs; open {
		t.Fatal("cancelled dispatch must close the channel without jobs")
	}
}

func TestRunScenario_Modes(t *testing.T) {
	tests := []struct {
		name string
		cfg  config
		want []string
	}{
		{"schedule", config{mode: modeSchedule}, []string{grpcsvc.MethodSchedule}},
		{"schedule with cancel rate", config{mode: modeSchedule, cancelRate: 100}, []string{grpcsvc.MethodSchedule, grpcsvc.MethodCancel}},
		{"schedule-cancel", config{mode: modeScheduleCancel}, []string{grpcsvc.MethodSchedule, grpcsvc.MethodCancel}},
		{"schedule-list", config{mode: modeScheduleList}, []string{grpcsvc.MethodSchedule, grpcsvc.MethodGetUserDeliveries}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.timeout = time.Second
			cfg.senderID = "sender-1"
			cfg.vendorID = "amazon"
			cfg.amount = 50
			cfg.daysAhead = 3
			cfg.mailDomain = "example.com"

			client := okCaller()
			col := newCollector()
			if err := runScenario(client, cfg, 7, "run", col); err != nil {
				t.Fatalf("runScenario failed: %v", err)
			}
			got := client.methods()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("calls = %v, want %v", got, tt.want)
			}

			first := client.calls[0]
			if v := first.md.Get(grpcsvc.SenderHeader); len(v) != 1 || v[0] != "sender-1" {
				t.Fatalf("sender header missing: %v", first.md)
			}
			if v := first.md.Get(grpcsvc.IdempotencyHeader); len(v) != 1 || v[0] != "lt-schedule-run-7" {
				t.Fatalf("idempotency header = %v", v)
			}
			recipient := first.fields["recipient"].(map[string]any)
			if recipient["email"] != "lt-run-7@example.com" {
				t.Fatalf("unexpected recipient %v", recipient)
			}

			result := col.buildReport(time.Now(), time.Second)
			if result.Scenarios.Calls != 1 || result.Scenarios.OK != 1 {
				t.Fatalf("unexpected report %+v", result)
			}
		})
	}
}

func TestRunScenario_Errors(t *testing.T) {
	cfg := config{mode: modeScheduleCancel, timeout: time.Second, senderID: "s", vendorID: "v", amount: 1, daysAhead: 1}

	exhausted := &fakeCaller{fn: func(string, map[string]any) (*structpb.Struct, error) {
		return nil, status.Error(codes.ResourceExhausted, "no inventory")
	}}
	col := newCollector()
	if err := runScenario(exhausted, cfg, 0, "run", col); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	result := col.buildReport(time.Now(), time.Second)
	if result.Scenarios.Failed != 1 || result.Methods[grpcsvc.MethodSchedule].Codes["ResourceExhausted"] != 1 {
		t.Fatalf("unexpected report %+v", result)
	}
	if len(exhausted.methods()) != 1 {
		t.Fatal("cancel must not run after failed schedule")
	}

	empty := &fakeCaller{fn: func(string, map[string]any) (*structpb.Struct, error) {
		return structpb.NewStruct(nil)
	}}
	if err := runScenario(empty, cfg, 0, "run", newCollector()); status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal for empty schedule id, got %v", err)
	}
}

func TestRunLoad_CountsFailures(t *testing.T) {
	var n int
	var mu sync.Mutex
	client := &fakeCaller{fn: func(string, map[string]any) (*structpb.Struct, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 0 {
			return nil, status.Error(codes.FailedPrecondition, "card declined")
		}
		return structpb.NewStruct(map[string]any{"schedule_id": "sched"})
	}}
	cfg := config{total: 10, concurrency: 3, timeout: time.Second, mode: modeSchedule, senderID: "s", vendorID: "v", amount: 5, daysAhead: 1}

	result := runLoad(context.Background(), cfg, []caller{client}, time.Now())
	if result.Scenarios.Calls != 10 || result.Scenarios.Failed != 5 {
		t.Fatalf("unexpected totals %+v", result)
	}
	if result.Scenarios.ErrorRate != 0.5 {
		t.Fatalf("expected error rate 0.5, got %v", result.Scenarios.ErrorRate)
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := percentile([]float64{1, 2, 3, 4}, 50); got != 2.5 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentile(nil, 99); got != 0 {
		t.Fatalf("empty percentile = %v", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total = %v", got)
	}
	summary := summarize([]float64{5, 1, 3})
	if summary.MinMs != 1 || summary.MaxMs != 5 || summary.MeanMs != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if shouldCancelScenario(5, 0) || !shouldCancelScenario(5, 100) || !shouldCancelScenario(105, 10) || shouldCancelScenario(50, 10) {
		t.Fatal("unexpected cancel sampling")
	}
	if got := runTarget(config{duration: time.Minute, totalSet: true, total: 5}); got != "duration:1m0s,max-total:5" {
		t.Fatalf("runTarget = %q", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(oldWD) }()

	if err := writeJSONReport("report.json", report{Scenarios: methodReport{tally: tally{Calls: 3}}}); err != nil {
		t.Fatalf("writeJSONReport failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatal(err)
	}
	var decoded report
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Scenarios.Calls != 3 {
		t.Fatalf("unexpected report file %s: %v", raw, err)
	}

	for _, bad := range []string{".", "../escape.json", "/tmp/abs.json"} {
		if err := writeJSONReport(bad, report{}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestPrintReport(t *testing.T) {
	col := newCollector()
	col.record(scenarioKey, 10*time.Millisecond, codes.OK)
	col.record(scenarioKey, 3*time.Millisecond, codes.NotFound)
	col.record(grpcsvc.MethodSchedule, 8*time.Millisecond, codes.OK)
	col.record(grpcsvc.MethodCancel, 2*time.Millisecond, codes.NotFound)

	var out bytes.Buffer
	printReport(&out, col.buildReport(time.Now(), time.Second), config{mode: modeScheduleCancel, total: 2})
	text := out.String()
	for _, want := range []string{"mode=schedule-cancel run=count:2", "failed scenarios: other=1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}

	rows := map[string][]string{}
	for _, line := range strings.Split(text, "\n") {
		if f := strings.Fields(line); len(f) == 7 {
			rows[f[0]] = f
		}
	}
	if _, ok := rows[scenarioKey]; ok {
		t.Fatal("scenario row must not be printed as a method")
	}
	if cancel := rows[grpcsvc.MethodCancel]; cancel == nil || cancel[1] != "1" || cancel[2] != "0" || cancel[3] != "1" || cancel[6] != "NotFound=1" {
		t.Fatalf("unexpected cancel row %v in:\n%s", cancel, text)
	}
	if schedule := rows[grpcsvc.MethodSchedule]; schedule == nil || schedule[6] != "OK=1" {
		t.Fatalf("unexpected schedule row %v", schedule)
	}
}

func TestOutcomeFor(t *testing.T) {
	tests := map[codes.Code]string{
		codes.ResourceExhausted:  outcomeNoInventory,
		codes.FailedPrecondition: outcomePaymentFailed,
		codes.AlreadyExists:      outcomeIdempotency,
		codes.Aborted:            outcomeIdempotency,
		codes.InvalidArgument:    outcomeInvalidRequest,
		codes.DeadlineExceeded:   outcomeTimeout,
		codes.Unavailable:        outcomeOther,
	}
	for code, want := range tests {
		if got := outcomeFor(code); got != want {
			t.Errorf("outcomeFor(%s) = %q, want %q", code, got, want)
		}
	}

	col := newCollector()
	col.record(scenarioKey, time.Millisecond, codes.ResourceExhausted)
	col.record(scenarioKey, time.Millisecond, codes.ResourceExhausted)
	col.record(scenarioKey, time.Millisecond, codes.OK)
	result := col.buildReport(time.Now(), time.Second)
	if out := result.Scenarios.Outcomes; out[outcomeNoInventory] != 2 || len(out) != 1 {
		t.Fatalf("unexpected outcomes %v", out)
	}
}

type loadtestServer struct {
	grpcsvc.GiftSchedulingServer

	mu        sync.Mutex
	scheduled int
}

func (s *loadtestServer) Schedule(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if len(md.Get(grpcsvc.SenderHeader)) == 0 {
		return nil, status.Error(codes.InvalidArgument, "sender is required")
	}
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	return structpb.NewStruct(map[string]any{"schedule_id": "sched-bufconn"})
}

func TestRunLoad_OverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	impl := &loadtestServer{}
	grpcsvc.RegisterGiftSchedulingServer(srv, impl)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	defer conn.Close()

	cfg, err := parseArgs("-total=6", "-concurrency=2", "-connections=1")
	if err != nil {
		t.Fatal(err)
	}
	result := runLoad(context.Background(), cfg, []caller{grpcsvc.NewClient(conn)}, time.Now())
	if result.Scenarios.Failed != 0 || result.Scenarios.OK != 6 {
		t.Fatalf("unexpected result %+v", result)
	}
	if impl.scheduled != 6 {
		t.Fatalf("server saw %d schedules", impl.scheduled)
	}
}
