package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestObserveAndScrape(t *testing.T) {
	Reset()
	ObserveAcquireRequest("curl", 200, 150*time.Millisecond)
	IncAcquireRetry("curl")
	ObserveStage(StageStage, time.Second)
	IncResolverDecision("sat")
	ObserveGCSweep("ok", 4096)
	SetCASObjectCount(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestSanitizeLabel(t *testing.T) {
	if got := sanitizeLabel("", "unknown"); got != "unknown" {
		t.Fatalf("empty input = %q", got)
	}
	if got := sanitizeLabel("a b/c", "unknown"); got != "a_b_c" {
		t.Fatalf("sanitize = %q", got)
	}
}
