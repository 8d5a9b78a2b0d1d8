package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("failed to read scrape body: %v", err)
	}
	return string(body)
}

func TestObserveFetch(t *testing.T) {
	Reset()

	ObserveFetch("http", 200, 120*time.Millisecond)
	ObserveFetch("http", 200, 80*time.Millisecond)
	ObserveFetch("js", 503, time.Second)
	ObserveFetch("http", 0, 0)

	body := scrape(t)
	for _, want := range []string{
		`skrapp_crawler_fetches_total{code="200",fetcher="http"} 2`,
		`skrapp_crawler_fetches_total{code="503",fetcher="js"} 1`,
		`skrapp_crawler_fetches_total{code="error",fetcher="http"} 1`,
		`skrapp_crawler_fetch_duration_seconds_count{fetcher="http"} 2`,
		`skrapp_crawler_fetch_duration_seconds_count{fetcher="js"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestPipelineCounters(t *testing.T) {
	Reset()

	IncQualityVerdict("pass")
	IncQualityVerdict("pass")
	IncQualityVerdict("fail")
	IncDuplicatePage()
	IncFetchRetry("http")
	IncJobRestart("orphaned_no_heartbeat")

	body := scrape(t)
	for _, want := range []string{
		`skrapp_crawler_quality_verdicts_total{verdict="pass"} 2`,
		`skrapp_crawler_quality_verdicts_total{verdict="fail"} 1`,
		`skrapp_crawler_duplicate_pages_total 1`,
		`skrapp_crawler_fetch_retries_total{fetcher="http"} 1`,
		`skrapp_jobs_restarts_total{reason="orphaned_no_heartbeat"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestJobStateSource(t *testing.T) {
	Reset()
	defer SetJobStateSource(nil)

	body := scrape(t)
	if strings.Contains(body, "skrapp_jobs_by_state{") {
		t.Error("jobs_by_state exported without a source")
	}

	SetJobStateSource(func() map[string]int {
		return map[string]int{"running": 2, "queued": 1}
	})

	body = scrape(t)
	for _, want := range []string{
		`skrapp_jobs_by_state{state="running"} 2`,
		`skrapp_jobs_by_state{state="queued"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestSanitizeLabel(t *testing.T) {
	cases := []struct {
		in       string
		fallback string
		want     string
	}{
		{"http", "unknown", "http"},
		{" js ", "unknown", "js"},
		{"", "unknown", "unknown"},
		{"bad label!", "unknown", "bad_label_"},
		{"hard_stalled_zero_pages", "unknown", "hard_stalled_zero_pages"},
	}
	for _, tc := range cases {
		if got := sanitizeLabel(tc.in, tc.fallback); got != tc.want {
			t.Errorf("sanitizeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
