// Package parallelrunner implements C11: an optional, non-blocking shadow
// pipeline runner that compares a secondary execution against the primary
// response without affecting the response returned to the client. Grounded
// on the teacher's background-worker pattern (internal/worker pool with a
// bounded job queue and per-job timeout), adapted into a sampled,
// similarity-scoring comparator.
package parallelrunner

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/gwconfig"
)

// Result is a completed secondary-pipeline comparison (spec §4.11).
type Result struct {
	RequestID    string
	Similarity   float64
	Matched      bool
	TimedOut     bool
	SecondaryErr error
	PrimaryDur   time.Duration
	SecondaryDur time.Duration
	RecordedAt   time.Time
}

// Secondary is the callback the runner invokes to execute the shadow
// pipeline. It must honor ctx cancellation.
type Secondary func(ctx context.Context, requestID string, req []byte) (status int, headers http.Header, body []byte, err error)

// Runner is the shadow execution engine (spec §4.11).
type Runner struct {
	cfg gwconfig.ParallelConfig

	mu                sync.Mutex
	activeRuns        int
	totalRequests     int64
	concurrencyIssues int64
	timeoutErrors     int64
	history           []Result // bounded FIFO, cap 1000
}

// New constructs a Runner from the parallel section of the gateway config.
func New(cfg gwconfig.ParallelConfig) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ComparisonMode == "" {
		cfg.ComparisonMode = "lenient"
	}
	return &Runner{cfg: cfg}
}

const historyCap = 1000

// ProcessParallel runs the secondary pipeline against a sampled fraction of
// requests and records a comparison result (spec §4.11). It never blocks
// or affects the caller's primary response.
func (r *Runner) ProcessParallel(ctx context.Context, requestID string, req []byte, secondary Secondary, primaryStatus int, primaryHeaders http.Header, primaryBody []byte, primaryErr error, primaryDuration time.Duration) {
	r.mu.Lock()
	r.totalRequests++
	r.mu.Unlock()

	if !r.cfg.Enabled {
		return
	}
	if rand.Float64() >= r.cfg.SampleRate {
		return
	}

	r.mu.Lock()
	if r.activeRuns >= r.cfg.MaxConcurrency {
		r.concurrencyIssues++
		r.mu.Unlock()
		return
	}
	r.activeRuns++
	r.mu.Unlock()

	go r.runOne(ctx, requestID, req, secondary, primaryStatus, primaryHeaders, primaryBody, primaryDuration)
}

func (r *Runner) runOne(ctx context.Context, requestID string, req []byte, secondary Secondary, primaryStatus int, primaryHeaders http.Header, primaryBody []byte, primaryDuration time.Duration) {
	defer func() {
		r.mu.Lock()
		r.activeRuns--
		r.mu.Unlock()
	}()

	timeout := time.Duration(r.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		status  int
		headers http.Header
		body    []byte
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		status, headers, body, err := secondary(runCtx, requestID, req)
		done <- outcome{status, headers, body, err}
	}()

	select {
	case <-runCtx.Done():
		r.mu.Lock()
		r.timeoutErrors++
		r.mu.Unlock()
		r.record(Result{RequestID: requestID, TimedOut: true, PrimaryDur: primaryDuration, SecondaryDur: time.Since(start), RecordedAt: time.Now()})
	case o := <-done:
		similarity := Similarity(primaryStatus, primaryHeaders, primaryBody, o.status, o.headers, o.body)
		r.record(Result{
			RequestID:    requestID,
			Similarity:   similarity,
			Matched:      Matches(r.cfg.ComparisonMode, similarity),
			SecondaryErr: o.err,
			PrimaryDur:   primaryDuration,
			SecondaryDur: time.Since(start),
			RecordedAt:   time.Now(),
		})
	}
}

func (r *Runner) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, res)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
}

// Similarity computes the weighted comparison score between a primary and
// secondary response (spec §4.11): status identity (weight 1), header-key-
// set identity (weight 0.8), body identity (weight 1, else structural
// similarity via |commonKeys| / max(|k1|,|k2|)).
func Similarity(statusA int, headersA http.Header, bodyA []byte, statusB int, headersB http.Header, bodyB []byte) float64 {
	var sum, checks float64

	checks++
	if statusA == statusB {
		sum++
	}

	checks += 0.8
	if headerKeySetsEqual(headersA, headersB) {
		sum += 0.8
	}

	checks++
	if string(bodyA) == string(bodyB) {
		sum++
	} else {
		sum += structuralSimilarity(bodyA, bodyB)
	}

	if checks == 0 {
		return 0
	}
	return sum / checks
}

func headerKeySetsEqual(a, b http.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// structuralSimilarity approximates JSON-object similarity as
// |commonKeys| / max(|k1|,|k2|), grounded on the ratio used by spec §4.11.
func structuralSimilarity(a, b []byte) float64 {
	ka := topLevelKeys(a)
	kb := topLevelKeys(b)
	if len(ka) == 0 && len(kb) == 0 {
		return 1
	}
	common := 0
	for k := range ka {
		if kb[k] {
			common++
		}
	}
	max := len(ka)
	if len(kb) > max {
		max = len(kb)
	}
	if max == 0 {
		return 0
	}
	return float64(common) / float64(max)
}

func topLevelKeys(body []byte) map[string]bool {
	// A minimal brace-depth scanner; full JSON parsing is unnecessary for a
	// best-effort structural similarity signal and avoids pulling gjson into
	// a hot shadow-comparison path that never touches the response sent to
	// the client.
	keys := make(map[string]bool)
	depth := 0
	inString := false
	escaped := false
	var current []byte
	capturing := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
			if inString && depth == 1 && !capturing {
				capturing = true
				current = current[:0]
				continue
			}
			if !inString && capturing {
				capturing = false
				keys[string(current)] = true
			}
		case inString:
			if capturing {
				current = append(current, c)
			}
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
		}
	}
	return keys
}

// Matches applies the comparison-mode threshold (spec §4.11).
func Matches(mode string, similarity float64) bool {
	switch mode {
	case "strict":
		return similarity > 0.95
	case "none":
		return true
	default: // lenient
		return similarity > 0.7
	}
}

// Metrics summarizes the last 100 recorded runs (spec §4.11).
type Metrics struct {
	SampleSize         int
	SuccessRate        float64
	AverageSimilarity  float64
	AveragePrimaryMs   float64
	AverageSecondaryMs float64
}

// Metrics aggregates over the most recent runs (cap 100).
func (r *Runner) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.history)
	if n > 100 {
		n = 100
	}
	if n == 0 {
		return Metrics{}
	}
	recent := r.history[len(r.history)-n:]

	var successes int
	var simSum, primSum, secSum float64
	for _, res := range recent {
		if res.Matched {
			successes++
		}
		simSum += res.Similarity
		primSum += float64(res.PrimaryDur.Milliseconds())
		secSum += float64(res.SecondaryDur.Milliseconds())
	}
	return Metrics{
		SampleSize:         n,
		SuccessRate:        float64(successes) / float64(n),
		AverageSimilarity:  simSum / float64(n),
		AveragePrimaryMs:   primSum / float64(n),
		AverageSecondaryMs: secSum / float64(n),
	}
}

// TotalRequests reports the running total-request counter.
func (r *Runner) TotalRequests() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRequests
}

// ConcurrencyIssues reports how many runs were skipped due to the
// concurrency cap.
func (r *Runner) ConcurrencyIssues() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrencyIssues
}

// TimeoutErrors reports how many runs exceeded the configured timeout.
func (r *Runner) TimeoutErrors() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeoutErrors
}

// History returns a snapshot of the bounded run history, most recent last.
func (r *Runner) History() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.history))
	copy(out, r.history)
	return out
}
