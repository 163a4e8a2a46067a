package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
)

// scenarioKey — строка коллектора для сценария целиком, а не для отдельного метода.
const scenarioKey = "scenario"

// Исходы неудачных вызовов в терминах сервиса планирования.
const (
	outcomeNoInventory    = "no_inventory"
	outcomePaymentFailed  = "payment_failed"
	outcomeIdempotency    = "idempotency_conflict"
	outcomeInvalidRequest = "invalid_request"
	outcomeTimeout        = "timeout"
	outcomeOther          = "other"
)

func outcomeFor(code codes.Code) string {
	switch code {
	case codes.ResourceExhausted:
		return outcomeNoInventory
	case codes.FailedPrecondition:
		return outcomePaymentFailed
	case codes.AlreadyExists, codes.Aborted:
		return outcomeIdempotency
	case codes.InvalidArgument:
		return outcomeInvalidRequest
	case codes.DeadlineExceeded:
		return outcomeTimeout
	default:
		return outcomeOther
	}
}

// latencyStats — задержки в миллисекундах.
type latencyStats struct {
	MinMs  float64 `json:"min_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

type tally struct {
	Calls     int64   `json:"calls"`
	OK        int64   `json:"ok"`
	Failed    int64   `json:"failed"`
	ErrorRate float64 `json:"error_rate"`
}

type methodReport struct {
	tally
	Codes    map[string]int64 `json:"codes"`
	Outcomes map[string]int64 `json:"outcomes,omitempty"`
	Latency  latencyStats     `json:"latency"`
}

// report — итог прогона: сценарии целиком плюс разбивка по gRPC-методам.
type report struct {
	Started    time.Time               `json:"started"`
	Elapsed    float64                 `json:"elapsed_seconds"`
	Throughput float64                 `json:"scenarios_per_second"`
	Scenarios  methodReport            `json:"scenarios"`
	Methods    map[string]methodReport `json:"methods"`
}

type methodSamples struct {
	report methodReport
	millis []float64
}

// collector копит результаты вызовов по имени метода. Безопасен для конкурентных воркеров.
type collector struct {
	mu   sync.Mutex
	byID map[string]*methodSamples
}

func newCollector() *collector {
	return &collector{byID: make(map[string]*methodSamples)}
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[method]
	if !ok {
		s = &methodSamples{report: methodReport{Codes: map[string]int64{}, Outcomes: map[string]int64{}}}
		c.byID[method] = s
	}
	s.report.Calls++
	s.report.Codes[code.String()]++
	if code == codes.OK {
		s.report.OK++
	} else {
		s.report.Failed++
		s.report.Outcomes[outcomeFor(code)]++
	}
	s.millis = append(s.millis, float64(latency.Microseconds())/1000)
}

func (c *collector) buildReport(started time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{Started: started.UTC(), Elapsed: elapsed.Seconds(), Methods: map[string]methodReport{}}
	for name, s := range c.byID {
		m := s.report
		m.Codes = maps.Clone(m.Codes)
		m.Outcomes = maps.Clone(m.Outcomes)
		m.ErrorRate = ratio(m.Failed, m.Calls)
		m.Latency = summarize(s.millis)
		if name == scenarioKey {
			out.Scenarios = m
			continue
		}
		out.Methods[name] = m
	}
	if elapsed > 0 {
		out.Throughput = float64(out.Scenarios.Calls) / elapsed.Seconds()
	}
	return out
}

// writeJSONReport пишет отчёт только внутрь текущего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case !filepath.IsLocal(clean):
		return errors.Newf("output path must be inside current directory: %s", path)
	}

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	// #nosec G306 -- отчёт не содержит секретов.
	return errors.Wrap(os.WriteFile(clean, append(body, '\n'), 0o644), "write report")
}

func printReport(w io.Writer, result report, cfg config) {
	sc, l := result.Scenarios, result.Scenarios.Latency
	_, _ = fmt.Fprintf(w, "Load test summary\nmode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), sc.Calls, sc.OK, sc.Failed, sc.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.Elapsed, result.Throughput)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.MinMs, l.MeanMs, l.P50Ms, l.P95Ms, l.P99Ms, l.MaxMs)
	if len(sc.Outcomes) > 0 {
		_, _ = fmt.Fprintf(w, "failed scenarios: %s\n", formatCounts(sc.Outcomes))
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "METHOD\tCALLS\tSUCCESS\tFAILED\tERROR_RATE\tP95_MS\tCODES")
	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		m := result.Methods[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.2f\t%s\n",
			name, m.Calls, m.OK, m.Failed, m.ErrorRate, m.Latency.P95Ms, formatCounts(m.Codes))
	}
	_ = tw.Flush()
}

func formatCounts(counts map[string]int64) string {
	parts := make([]string, 0, len(counts))
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ",")
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func summarize(millis []float64) latencyStats {
	if len(millis) == 0 {
		return latencyStats{}
	}
	sorted := slices.Sorted(slices.Values(millis))

	var total float64
	for _, v := range sorted {
		total += v
	}
	return latencyStats{
		MinMs:  sorted[0],
		MeanMs: total / float64(len(sorted)),
		P50Ms:  percentile(sorted, 50),
		P95Ms:  percentile(sorted, 95),
		P99Ms:  percentile(sorted, 99),
		MaxMs:  sorted[len(sorted)-1],
	}
}

// percentile интерполирует линейно между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(rank)
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lower] + (sorted[lower+1]-sorted[lower])*(rank-float64(lower))
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
