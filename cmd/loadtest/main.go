// Command loadtest нагружает GiftScheduling через gRPC и печатает сводку задержек.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/giftsched/internal/service/grpc"
)

const (
	defaultAmount   = 50
	defaultBirthday = "1990-01-15"
)

type loadMode string

const (
	modeSchedule       loadMode = "schedule"
	modeScheduleCancel loadMode = "schedule-cancel"
	modeScheduleList   loadMode = "schedule-list"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	senderID    string
	vendorID    string
	amount      int
	daysAhead   int
	mailDomain  string
	outputPath  string
}

// caller — то, что нужно сценарию от клиента сервиса.
type caller interface {
	Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error)
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var cfg config
	var modeValue string

	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeSchedule), "load mode: schedule | schedule-cancel | schedule-list")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for schedule mode (0..100)")
	fs.StringVar(&cfg.senderID, "sender", "demo-sender", "sender id sent in "+grpcsvc.SenderHeader)
	fs.StringVar(&cfg.vendorID, "vendor", "amazon", "vendor id")
	fs.IntVar(&cfg.amount, "amount", defaultAmount, "gift face value")
	fs.IntVar(&cfg.daysAhead, "days-ahead", 7, "send date offset from today in days")
	fs.StringVar(&cfg.mailDomain, "mail-domain", "load.giftsched.local", "recipient email domain")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	rules := []struct {
		broken bool
		msg    string
	}{
		{cfg.duration < 0, "-duration is negative"},
		{cfg.duration == 0 && cfg.total <= 0, "-total needs a positive value in count mode"},
		{cfg.duration > 0 && cfg.totalSet && cfg.total <= 0, "-total caps a timed run and needs a positive value"},
		{cfg.concurrency <= 0, "-concurrency needs at least one worker"},
		{cfg.connections <= 0, "-connections needs at least one connection"},
		{cfg.timeout <= 0, "-timeout needs a positive value"},
		{cfg.amount <= 0, "-amount needs a positive value"},
		{cfg.daysAhead < 1, "-days-ahead needs at least one day"},
		{cfg.cancelRate < 0 || cfg.cancelRate > 100, "-cancel-rate is a percentage in 0..100"},
		{strings.TrimSpace(cfg.senderID) == "", "-sender is empty"},
		{strings.TrimSpace(cfg.vendorID) == "", "-vendor is empty"},
	}
	for _, r := range rules {
		if r.broken {
			return cfg, errors.New(r.msg)
		}
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeSchedule, modeScheduleCancel, modeScheduleList:
		return mode, nil
	default:
		return "", errors.Newf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]caller, 0, cfg.connections)
	for range cfg.connections {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result := runLoad(ctx, cfg, clients, time.Now())
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Scenarios.Failed > 0 {
		os.Exit(1)
	}
}

// runLoad раздаёт сценарии воркерам и собирает отчёт; клиенты распределяются по воркерам по кругу.
func runLoad(ctx context.Context, cfg config, clients []caller, startedAt time.Time) report {
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)
	var failures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatchJobs(gctx, jobs, cfg)
		return nil
	})
	for worker := range cfg.concurrency {
		client := clients[worker%len(clients)]
		g.Go(func() error {
			for index := range jobs {
				if err := runScenario(client, cfg, index, runID, col); err != nil {
					failures.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if sc := &result.Scenarios; sc.Failed == 0 && failures.Load() > 0 {
		sc.Failed = failures.Load()
		sc.ErrorRate = ratio(sc.Failed, sc.Calls)
	}
	return result
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	limited := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !limited || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client caller, cfg config, index int, runID string, col *collector) (err error) {
	start := time.Now()
	defer func() {
		col.record(scenarioKey, time.Since(start), grpcCode(err))
	}()

	resp, err := call(client, cfg, col, grpcsvc.MethodSchedule, scheduleFields(cfg, index, runID),
		grpcsvc.IdempotencyHeader, fmt.Sprintf("lt-schedule-%s-%d", runID, index))
	if err != nil {
		return err
	}
	scheduleID := resp.GetFields()["schedule_id"].GetStringValue()
	if scheduleID == "" {
		return status.Error(codes.Internal, "schedule response returned empty schedule id")
	}

	switch {
	case cfg.mode == modeScheduleCancel, cfg.mode == modeSchedule && shouldCancelScenario(index, cfg.cancelRate):
		_, err = call(client, cfg, col, grpcsvc.MethodCancel, map[string]any{"schedule_id": scheduleID})
	case cfg.mode == modeScheduleList:
		_, err = call(client, cfg, col, grpcsvc.MethodGetUserDeliveries, map[string]any{"limit": 10})
	}
	return err
}

func scheduleFields(cfg config, index int, runID string) map[string]any {
	return map[string]any{
		"vendor_id": cfg.vendorID,
		"amount":    cfg.amount,
		"recipient": map[string]any{
			"name":     fmt.Sprintf("Load Recipient %d", index),
			"email":    fmt.Sprintf("lt-%s-%d@%s", runID, index, cfg.mailDomain),
			"birthday": defaultBirthday,
		},
		"send_gift_date": time.Now().UTC().AddDate(0, 0, cfg.daysAhead).Format(domain.DateLayout),
		"is_notify":      false,
	}
}

// call выполняет один RPC от имени отправителя; пары headerKV добавляются в metadata.
func call(client caller, cfg config, col *collector, method string, fields map[string]any, headerKV ...string) (*structpb.Struct, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, append([]string{grpcsvc.SenderHeader, cfg.senderID}, headerKV...)...)

	resp, err := client.Call(ctx, method, fields)
	col.record(method, time.Since(start), grpcCode(err))
	return resp, err
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}
