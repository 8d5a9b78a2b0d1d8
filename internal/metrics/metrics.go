// Package metrics exposes the process-wide Prometheus registry behind
// package-level recording functions, so call sites stay one-liners and
// never hold collector handles.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchRetries    *prometheus.CounterVec
	qualityVerdicts *prometheus.CounterVec
	duplicatePages  prometheus.Counter
	jobRestarts     *prometheus.CounterVec

	// jobStateSource feeds the jobs_by_state collector on each scrape.
	// Installed by app wiring; survives Reset.
	jobStateSource func() map[string]int
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetJobStateSource installs the callback the jobs_by_state gauge reads on
// every scrape. The callback must be safe for concurrent use.
func SetJobStateSource(fn func() map[string]int) {
	mu.Lock()
	defer mu.Unlock()
	jobStateSource = fn
}

// ObserveFetch records one completed fetch attempt. code is the HTTP
// status; zero or negative means the request never produced a response.
func ObserveFetch(fetcher string, code int, duration time.Duration) {
	label := sanitizeLabel(fetcher, "unknown")
	status := "error"
	if code > 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(label, status).Inc()
	}
	if fetchDuration != nil && duration > 0 {
		fetchDuration.WithLabelValues(label).Observe(duration.Seconds())
	}
}

// IncFetchRetry increments the retry counter for a fetcher.
func IncFetchRetry(fetcher string) {
	label := sanitizeLabel(fetcher, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if fetchRetries != nil {
		fetchRetries.WithLabelValues(label).Inc()
	}
}

// IncQualityVerdict counts one extraction quality verdict (pass, marginal
// or fail).
func IncQualityVerdict(verdict string) {
	label := sanitizeLabel(verdict, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if qualityVerdicts != nil {
		qualityVerdicts.WithLabelValues(label).Inc()
	}
}

// IncDuplicatePage counts a page whose content hash matched an existing
// document.
func IncDuplicatePage() {
	mu.RLock()
	defer mu.RUnlock()
	if duplicatePages != nil {
		duplicatePages.Inc()
	}
}

// IncJobRestart counts a supervisor-initiated job restart by stuck reason.
func IncJobRestart(reason string) {
	label := sanitizeLabel(reason, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobRestarts != nil {
		jobRestarts.WithLabelValues(label).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skrapp",
		Subsystem: "crawler",
		Name:      "fetches_total",
		Help:      "Completed fetch attempts grouped by fetcher and HTTP status code.",
	}, []string{"fetcher", "code"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skrapp",
		Subsystem: "crawler",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of fetch attempts by fetcher.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"fetcher"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skrapp",
		Subsystem: "crawler",
		Name:      "fetch_retries_total",
		Help:      "Fetches re-queued with backoff after a retryable failure.",
	}, []string{"fetcher"})

	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skrapp",
		Subsystem: "crawler",
		Name:      "quality_verdicts_total",
		Help:      "Extraction quality verdicts for successfully fetched pages.",
	}, []string{"verdict"})

	dups := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skrapp",
		Subsystem: "crawler",
		Name:      "duplicate_pages_total",
		Help:      "Pages whose content hash matched an already stored document.",
	})

	restarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skrapp",
		Subsystem: "jobs",
		Name:      "restarts_total",
		Help:      "Supervisor-initiated job restarts by stuck reason.",
	}, []string{"reason"})

	registry.MustRegister(fetches, duration, retries, verdicts, dups, restarts)
	registry.MustRegister(&jobStateCollector{desc: prometheus.NewDesc(
		"skrapp_jobs_by_state",
		"Jobs currently in each lifecycle state.",
		[]string{"state"}, nil,
	)})

	reg = registry
	fetchesTotal = fetches
	fetchDuration = duration
	fetchRetries = retries
	qualityVerdicts = verdicts
	duplicatePages = dups
	jobRestarts = restarts
}

// jobStateCollector turns the installed source callback into a
// point-in-time gauge, so job counts are exact at scrape time instead of
// drifting with missed increments.
type jobStateCollector struct {
	desc *prometheus.Desc
}

func (c *jobStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *jobStateCollector) Collect(ch chan<- prometheus.Metric) {
	mu.RLock()
	source := jobStateSource
	mu.RUnlock()
	if source == nil {
		return
	}
	for state, count := range source() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
			float64(count), sanitizeLabel(state, "unknown"))
	}
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
