package parallelrunner

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/routecodex/gateway/internal/gwconfig"
)

func waitForHistory(t *testing.T, r *Runner, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(r.History()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history entries, got %d", n, len(r.History()))
}

func TestProcessParallelRecordsMatchingComparison(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: true, SampleRate: 1, MaxConcurrency: 2, TimeoutMs: 1000, ComparisonMode: "lenient"})
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		return 200, http.Header{"X-A": {"1"}}, []byte(`{"ok":true}`), nil
	}
	r.ProcessParallel(context.Background(), "req-1", []byte(`{}`), secondary, 200, http.Header{"X-A": {"1"}}, []byte(`{"ok":true}`), nil, 10*time.Millisecond)

	waitForHistory(t, r, 1)
	hist := r.History()
	if !hist[0].Matched {
		t.Fatalf("expected identical bodies/status/headers to match, got %+v", hist[0])
	}
	if hist[0].Similarity != 1 {
		t.Fatalf("expected full similarity for identical responses, got %v", hist[0].Similarity)
	}
}

func TestProcessParallelSkipsWhenDisabled(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: false})
	called := false
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		called = true
		return 200, nil, nil, nil
	}
	r.ProcessParallel(context.Background(), "req-1", []byte(`{}`), secondary, 200, nil, nil, nil, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("secondary should not run when disabled")
	}
	if r.TotalRequests() != 1 {
		t.Fatalf("expected total-request counter incremented even when disabled")
	}
}

func TestProcessParallelSkipsWhenSampleRateZero(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: true, SampleRate: 0})
	called := false
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		called = true
		return 200, nil, nil, nil
	}
	r.ProcessParallel(context.Background(), "req-1", []byte(`{}`), secondary, 200, nil, nil, nil, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("secondary should not run at sampleRate=0")
	}
}

func TestProcessParallelIncrementsConcurrencyIssuesWhenSaturated(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: true, SampleRate: 1, MaxConcurrency: 1, TimeoutMs: 200})
	block := make(chan struct{})
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		<-block
		return 200, nil, nil, nil
	}
	r.ProcessParallel(context.Background(), "req-1", []byte(`{}`), secondary, 200, nil, nil, nil, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the first run claim the only slot

	r.ProcessParallel(context.Background(), "req-2", []byte(`{}`), secondary, 200, nil, nil, nil, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(block)

	if r.ConcurrencyIssues() != 1 {
		t.Fatalf("expected exactly one concurrency issue, got %d", r.ConcurrencyIssues())
	}
}

func TestProcessParallelRecordsTimeout(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: true, SampleRate: 1, MaxConcurrency: 2, TimeoutMs: 10})
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		<-ctx.Done()
		return 0, nil, nil, ctx.Err()
	}
	r.ProcessParallel(context.Background(), "req-1", []byte(`{}`), secondary, 200, nil, nil, nil, time.Millisecond)

	waitForHistory(t, r, 1)
	if !r.History()[0].TimedOut {
		t.Fatalf("expected timeout recorded")
	}
	if r.TimeoutErrors() != 1 {
		t.Fatalf("expected timeout-error counter incremented, got %d", r.TimeoutErrors())
	}
}

func TestSimilarityStructuralFallback(t *testing.T) {
	bodyA := []byte(`{"a":1,"b":2}`)
	bodyB := []byte(`{"a":1,"c":3}`)
	sim := Similarity(200, http.Header{"X": {"1"}}, bodyA, 200, http.Header{"X": {"1"}}, bodyB)
	if sim <= 0 || sim >= 1 {
		t.Fatalf("expected partial similarity between status+header match but differing body keys, got %v", sim)
	}
}

func TestMatchesThresholds(t *testing.T) {
	if !Matches("strict", 0.99) || Matches("strict", 0.9) {
		t.Fatalf("strict threshold not enforced correctly")
	}
	if !Matches("lenient", 0.8) || Matches("lenient", 0.6) {
		t.Fatalf("lenient threshold not enforced correctly")
	}
	if !Matches("none", 0.0) {
		t.Fatalf("none mode should always match")
	}
}

func TestMetricsAggregatesOverLast100(t *testing.T) {
	r := New(gwconfig.ParallelConfig{Enabled: true, SampleRate: 1, MaxConcurrency: 50, TimeoutMs: 1000, ComparisonMode: "none"})
	secondary := func(ctx context.Context, requestID string, req []byte) (int, http.Header, []byte, error) {
		return 200, nil, []byte(`{}`), nil
	}
	for i := 0; i < 5; i++ {
		r.ProcessParallel(context.Background(), "req", []byte(`{}`), secondary, 200, nil, []byte(`{}`), nil, time.Millisecond)
	}
	waitForHistory(t, r, 5)
	m := r.Metrics()
	if m.SampleSize != 5 {
		t.Fatalf("expected sample size 5, got %d", m.SampleSize)
	}
	if m.SuccessRate != 1 {
		t.Fatalf("expected success rate 1 with comparisonMode=none, got %v", m.SuccessRate)
	}
}
