// Команда loadtest гоняет сценарии корзины против HTTP API сервиса заказов
// и печатает сводку по задержкам и кодам ответов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/version"
)

type loadMode string

const (
	modeCreate   loadMode = "create"
	modeCart     loadMode = "cart"
	modeCheckout loadMode = "checkout"
)

const scenarioName = "scenario"

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	items       []string
	userTag     string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type routeReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time              `json:"started_at"`
	DurationSeconds   float64                `json:"duration_seconds"`
	TotalScenarios    int64                  `json:"total_scenarios"`
	SuccessScenarios  int64                  `json:"success_scenarios"`
	FailedScenarios   int64                  `json:"failed_scenarios"`
	ErrorRate         float64                `json:"error_rate"`
	RPS               float64                `json:"rps"`
	ScenarioLatencyMs latencySummary         `json:"scenario_latency_ms"`
	Routes            map[string]routeReport `json:"routes"`
}

type routeStats struct {
	calls     int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

// collector копит задержки и коды по маршрутам; "scenario" — сценарий целиком.
type collector struct {
	mu     sync.Mutex
	routes map[string]*routeStats
}

func newCollector() *collector {
	return &collector{routes: make(map[string]*routeStats)}
}

func (c *collector) record(route string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, found := c.routes[route]
	if !found {
		stats = &routeStats{codes: make(map[string]int64)}
		c.routes[route] = stats
	}
	stats.calls++
	if !ok {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Routes:          make(map[string]routeReport, len(c.routes)),
	}
	for name, stats := range c.routes {
		codes := make(map[string]int64, len(stats.codes))
		for code, n := range stats.codes {
			codes[code] = n
		}
		rr := routeReport{
			Calls:     stats.calls,
			Success:   stats.calls - stats.failed,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codes,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
		if name == scenarioName {
			result.TotalScenarios = rr.Calls
			result.SuccessScenarios = rr.Success
			result.FailedScenarios = rr.Failed
			result.ErrorRate = rr.ErrorRate
			result.ScenarioLatencyMs = rr.LatencyMs
			continue
		}
		result.Routes[name] = rr
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

func parseConfig(args []string, output io.Writer) (config, error) {
	var (
		cfg       config
		modeValue string
		itemsRaw  string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:5000", "order service base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run in count mode; with -duration only applies when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | cart | checkout")
	fs.StringVar(&itemsRaw, "items", "item-1", "comma separated item ids added to each cart")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report file")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	for _, item := range strings.Split(itemsRaw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			cfg.items = append(cfg.items, item)
		}
	}

	switch loadMode(strings.TrimSpace(modeValue)) {
	case modeCreate, modeCart, modeCheckout:
		cfg.mode = loadMode(strings.TrimSpace(modeValue))
	default:
		return config{}, fmt.Errorf("unsupported mode: %s", modeValue)
	}

	switch {
	case cfg.baseURL == "":
		return config{}, errors.New("url is required")
	case cfg.duration < 0:
		return config{}, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return config{}, errors.New("total must be > 0 when duration is not set")
	case cfg.concurrency <= 0:
		return config{}, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case cfg.mode != modeCreate && len(cfg.items) == 0:
		return config{}, errors.New("items are required for cart and checkout modes")
	case strings.TrimSpace(cfg.userTag) == "":
		return config{}, errors.New("user-tag is required")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	client := &http.Client{
		Timeout: cfg.timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
		},
	}
	result := runLoad(context.Background(), cfg, client)

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func runLoad(ctx context.Context, cfg config, client *http.Client) report {
	startedAt := time.Now()
	runID := strconv.FormatInt(startedAt.UnixNano(), 36)
	col := newCollector()
	lt := &loadClient{cfg: cfg, http: client, col: col, agent: version.UserAgent("order-loadtest")}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				lt.scenario(ctx, fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, i))
			}
		}()
	}
	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := range cfg.total {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; !cfg.totalSet || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type loadClient struct {
	cfg   config
	http  *http.Client
	col   *collector
	agent string
}

// scenario: create, затем (в зависимости от режима) addItem по всем товарам и checkout.
func (l *loadClient) scenario(ctx context.Context, userID string) {
	start := time.Now()
	code, ok := l.runSteps(ctx, userID)
	l.col.record(scenarioName, time.Since(start), code, ok)
}

func (l *loadClient) runSteps(ctx context.Context, userID string) (string, bool) {
	var created struct {
		OrderID string `json:"order_id"`
	}
	code, ok := l.call(ctx, "create", http.MethodPost, "/create/"+url.PathEscape(userID), http.StatusCreated, &created)
	if !ok {
		return code, false
	}
	if created.OrderID == "" {
		return "empty_order_id", false
	}
	if l.cfg.mode == modeCreate {
		return code, true
	}

	orderID := url.PathEscape(created.OrderID)
	for _, item := range l.cfg.items {
		if code, ok = l.call(ctx, "addItem", http.MethodPost, "/addItem/"+orderID+"/"+url.PathEscape(item), http.StatusOK, nil); !ok {
			return code, false
		}
	}
	if l.cfg.mode == modeCart {
		return code, true
	}
	return l.call(ctx, "checkout", http.MethodPost, "/checkout/"+orderID, http.StatusOK, nil)
}

func (l *loadClient) call(ctx context.Context, route, method, path string, want int, out any) (string, bool) {
	start := time.Now()
	code, ok := l.do(ctx, method, path, want, out)
	l.col.record(route, time.Since(start), code, ok)
	return code, ok
}

func (l *loadClient) do(ctx context.Context, method, path string, want int, out any) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, method, l.cfg.baseURL+path, nil)
	if err != nil {
		return "request_error", false
	}
	req.Header.Set("User-Agent", l.agent)

	resp, err := l.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout", false
		}
		return "transport_error", false
	}
	defer resp.Body.Close()

	code := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != want {
		_, _ = io.Copy(io.Discard, resp.Body)
		return code, false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "decode_error", false
		}
	}
	return code, true
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаётся явно флагом -output.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s url=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.baseURL, result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	s := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		s.Min, s.Avg, s.P50, s.P95, s.P99, s.Max)

	names := make([]string, 0, len(result.Routes))
	for name := range result.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := result.Routes[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, r.Calls, r.Success, r.Failed, r.ErrorRate, r.LatencyMs.P95)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует линейно между соседними рангами.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower, upper := int(math.Floor(rank)), int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
