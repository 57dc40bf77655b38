// Package daemon implements C4: a background scanner that keeps the token
// population fresh by calling lifecycle.EnsureValidToken ahead of expiry,
// grounded on the teacher's periodic token-refresh goroutine in
// sdk/cliproxy (auth manager watcher loop).
package daemon

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/lifecycle"
	"github.com/routecodex/gateway/internal/logging"
	"github.com/routecodex/gateway/internal/tokenstore"
)

var log = logging.For("daemon")

// Config tunes the scanner (spec §4.4).
type Config struct {
	ScanInterval                 time.Duration
	RefreshAheadWindow           time.Duration
	PerTokenThrottle             time.Duration
	MaxUserTimeoutsBeforeSuspend int
}

// DefaultConfig mirrors gwconfig.Default's OAuth daemon defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:                 60 * time.Second,
		RefreshAheadWindow:           5 * time.Minute,
		PerTokenThrottle:             5 * time.Minute,
		MaxUserTimeoutsBeforeSuspend: 3,
	}
}

// outcome records one refresh attempt's result for the history store.
type outcome struct {
	At      time.Time
	Success bool
	Err     error
}

// tokenHistory is the per-token scan bookkeeping (spec §4.4 history store +
// auto-suspend).
type tokenHistory struct {
	lastAttempt         time.Time
	consecutiveTimeouts int
	suspended           bool
	suspendedAtMtime    int64
	outcomes            []outcome
}

var userTimeoutPattern = regexp.MustCompile(`(?i)user[\s_-]?timeout|timed out waiting for (oauth|device) (callback|authorization)`)

// Daemon periodically scans known tokens and silently refreshes those
// nearing expiry.
type Daemon struct {
	cfg     Config
	mgr     *lifecycle.Manager
	store   *tokenstore.Store
	authDir string
	auths   func() []lifecycle.Auth

	mu      sync.Mutex
	history map[string]*tokenHistory

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Daemon. authsFn is called on every scan tick to get the
// current set of managed credentials (spec allows routes/providers to
// change across config reloads).
func New(cfg Config, mgr *lifecycle.Manager, store *tokenstore.Store, authDir string, authsFn func() []lifecycle.Auth) *Daemon {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Daemon{
		cfg:     cfg,
		mgr:     mgr,
		store:   store,
		authDir: authDir,
		auths:   authsFn,
		history: make(map[string]*tokenHistory),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the scan loop in a background goroutine.
func (d *Daemon) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the scan loop to exit and waits for it to finish.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

// scanOnce runs a single pass over the current auth set.
func (d *Daemon) scanOnce(ctx context.Context) {
	for _, a := range d.auths() {
		d.considerToken(ctx, a)
	}
}

func (d *Daemon) considerToken(ctx context.Context, a lifecycle.Auth) {
	if a.Static {
		return
	}
	rec, ok, err := d.store.Read(a.Path)
	if err != nil || !ok {
		return
	}
	if rec.NoRefresh {
		return
	}

	key := a.Provider + "|" + a.Path
	mtime, _ := d.store.Mtime(a.Path)

	d.mu.Lock()
	h, exists := d.history[key]
	if !exists {
		h = &tokenHistory{}
		d.history[key] = h
	}
	if h.suspended {
		if mtime != h.suspendedAtMtime {
			h.suspended = false
			h.consecutiveTimeouts = 0
		} else {
			d.mu.Unlock()
			return
		}
	}
	sinceLast := time.Since(h.lastAttempt)
	d.mu.Unlock()

	if exists && sinceLast < d.cfg.PerTokenThrottle {
		return
	}

	state := tokenstore.Derive(rec, time.Now())
	if !state.HasRefresh {
		return
	}
	withinRefreshAhead := state.MsUntilExpiry <= d.cfg.RefreshAheadWindow.Milliseconds()
	if !withinRefreshAhead {
		return
	}

	d.mu.Lock()
	h.lastAttempt = time.Now()
	d.mu.Unlock()

	_, err = d.mgr.EnsureValidToken(ctx, a, lifecycle.Options{})
	d.recordOutcome(key, a, mtime, err)
}

func (d *Daemon) recordOutcome(key string, a lifecycle.Auth, mtimeBefore int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history[key]
	if h == nil {
		return
	}
	o := outcome{At: time.Now(), Success: err == nil, Err: err}
	h.outcomes = append(h.outcomes, o)
	if len(h.outcomes) > 200 {
		h.outcomes = h.outcomes[len(h.outcomes)-200:]
	}

	if err == nil {
		h.consecutiveTimeouts = 0
		return
	}

	if userTimeoutPattern.MatchString(err.Error()) {
		h.consecutiveTimeouts++
		if h.consecutiveTimeouts >= d.cfg.MaxUserTimeoutsBeforeSuspend {
			h.suspended = true
			h.suspendedAtMtime = mtimeBefore
			log.WithField("provider", a.Provider).WithField("path", a.Path).
				Warn("token auto-suspended after repeated user-timeout failures")
		}
	} else {
		h.consecutiveTimeouts = 0
	}
}

// History returns a snapshot of recorded outcomes for a given token path,
// primarily for diagnostics endpoints.
func (d *Daemon) History(provider, path string) []outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.history[provider+"|"+path]
	if !ok {
		return nil
	}
	out := make([]outcome, len(h.outcomes))
	copy(out, h.outcomes)
	return out
}

// IsSuspended reports whether a token is currently auto-suspended.
func (d *Daemon) IsSuspended(provider, path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.history[provider+"|"+path]
	return ok && h.suspended
}
