package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	ObserveGeneration("forum", "ok", time.Now().Add(-1500*time.Millisecond))
	ObserveMerge(time.Now())
	IncSkip("forum", "busy")
	IncStaleLock("forum")
	AddDecodeWarnings("forum", 2)
	SetQueueDepth(map[string]int{"pending": 3})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"feedsync_generations_total",
		"feedsync_generation_duration_seconds",
		"feedsync_merge_duration_seconds",
		"feedsync_trigger_skips_total",
		"feedsync_stale_locks_total",
		"feedsync_decode_warnings_total",
		`feedsync_queue_events{status="pending"} 3`,
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
