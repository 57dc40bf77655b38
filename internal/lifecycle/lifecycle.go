// Package lifecycle implements C3: single-flight, throttled orchestration
// that decides between cache-hit, silent refresh, and interactive
// reauthorization on top of tokenstore (C1) and oauthflow (C2), grounded on
// the teacher's sdk/cliproxy/auth.Manager coordination layer.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/logging"
	"github.com/routecodex/gateway/internal/oauthflow"
	"github.com/routecodex/gateway/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

var log = logging.For("lifecycle")

// Options tunes one ensureValidToken call (spec §4.3).
type Options struct {
	// ForceReauthorize bypasses the throttle and cache-hit branches,
	// typically set by an upstream 401 handler.
	ForceReauthorize bool
	// ForceReacquireIfRefreshFails escalates a failed silent refresh into
	// the interactive sequence instead of surfacing the refresh error.
	ForceReacquireIfRefreshFails bool
}

// Auth describes one managed credential: where it lives, which flow family
// acquires it, and the flags that bypass automatic refresh.
type Auth struct {
	Provider string
	Alias    string
	Path     string
	// Static providers (e.g. a user-pasted API key) are never refreshed.
	Static bool
	// FlowOrder lists the OAuth flow kinds to try in order during the
	// interactive sequence (spec §4.3: iFlow tries authorization_code then
	// device_code).
	FlowOrder []FlowKind
	Endpoints *oauthflow.Endpoints
}

// FlowKind names one OAuth flow family.
type FlowKind string

const (
	FlowDeviceCode FlowKind = "device_code"
	FlowAuthCode   FlowKind = "authorization_code"
)

// Manager coordinates C1/C2 to keep tokens valid, serializing concurrent
// callers per credential and throttling redundant attempts.
type Manager struct {
	store            *tokenstore.Store
	httpClient       *http.Client
	throttle         time.Duration
	group            singleflight.Group
	mu               sync.Mutex
	lastAttempt      map[string]time.Time
	interactiveQueue chan struct{}
}

// NewManager constructs a Manager backed by store. throttle defaults to 60s
// per spec §4.3 if zero.
func NewManager(store *tokenstore.Store, httpClient *http.Client, throttle time.Duration) *Manager {
	if throttle <= 0 {
		throttle = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		store:            store,
		httpClient:       httpClient,
		throttle:         throttle,
		lastAttempt:      make(map[string]time.Time),
		interactiveQueue: make(chan struct{}, 1),
	}
}

func keyFor(a Auth) string {
	return a.Provider + "|" + a.Path
}

// EnsureValidToken is the C3 entry point (spec §4.3): returns a Record with
// a usable access token/api key, refreshing or reacquiring as needed.
func (m *Manager) EnsureValidToken(ctx context.Context, a Auth, opts Options) (tokenstore.Record, error) {
	key := keyFor(a)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.ensureLocked(ctx, a, opts)
	})
	if err != nil {
		return tokenstore.Record{}, err
	}
	return v.(tokenstore.Record), nil
}

func (m *Manager) ensureLocked(ctx context.Context, a Auth, opts Options) (tokenstore.Record, error) {
	if a.Static {
		rec, _, err := m.store.Read(a.Path)
		if err != nil {
			return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeAuthMissing, err, "lifecycle: read static credential")
		}
		return rec, nil
	}

	rec, ok, err := m.store.Read(a.Path)
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeAuthMissing, err, "lifecycle: read token file")
	}
	if ok && rec.NoRefresh {
		return rec, nil
	}

	if !opts.ForceReauthorize && m.throttled(a) {
		if ok {
			return rec, nil
		}
	}

	now := time.Now()
	state := tokenstore.Derive(rec, now)

	if state.Status == tokenstore.StatusValid && !opts.ForceReauthorize {
		m.markAttempt(a, now)
		return rec, nil
	}

	if state.IsExpiredOrNear && state.HasRefresh && !opts.ForceReauthorize {
		refreshed, rerr := m.silentRefresh(ctx, a, rec)
		if rerr == nil {
			m.markAttempt(a, now)
			return refreshed, nil
		}
		log.WithError(rerr).WithField("provider", a.Provider).Warn("silent refresh failed")
		if !opts.ForceReacquireIfRefreshFails {
			return tokenstore.Record{}, rerr
		}
	}

	acquired, ierr := m.interactive(ctx, a)
	m.markAttempt(a, now)
	if ierr != nil {
		return tokenstore.Record{}, ierr
	}
	return acquired, nil
}

func (m *Manager) throttled(a Auth) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAttempt[keyFor(a)]
	if !ok {
		return false
	}
	return time.Since(last) < m.throttle
}

func (m *Manager) markAttempt(a Auth, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt[keyFor(a)] = at
}

func (m *Manager) silentRefresh(ctx context.Context, a Auth, rec tokenstore.Record) (tokenstore.Record, error) {
	ep := oauthflow.Resolve(a.Provider, a.Endpoints)
	refreshed, err := oauthflow.Refresh(ctx, ep, m.httpClient, rec.RefreshToken)
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeRefreshFailed, err, "lifecycle: silent refresh failed")
	}
	refreshed, err = oauthflow.Enrich(ctx, a.Provider, m.httpClient, refreshed)
	if err != nil {
		log.WithError(err).WithField("provider", a.Provider).Debug("enrichment after refresh failed, continuing with refreshed token")
	}
	refreshed = refreshed.Normalize()
	if err = m.store.Write(a.Path, refreshed); err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeRefreshFailed, err, "lifecycle: persist refreshed token")
	}
	return refreshed, nil
}

// interactive runs the interactive authorization sequence (spec §4.3),
// serialized process-wide through a single-slot FIFO so competing browser
// popups never overlap. It backs up the token file before a forced reset
// and restores the backup on failure, discarding it on success.
func (m *Manager) interactive(ctx context.Context, a Auth) (tokenstore.Record, error) {
	m.interactiveQueue <- struct{}{}
	defer func() { <-m.interactiveQueue }()

	var backupPath string
	if _, err := os.Stat(a.Path); err == nil {
		if bp, berr := m.store.Backup(a.Path); berr == nil {
			backupPath = bp
		}
	}

	order := a.FlowOrder
	if len(order) == 0 {
		order = []FlowKind{FlowDeviceCode}
	}

	var lastErr error
	for _, kind := range order {
		rec, err := m.runFlow(ctx, a, kind)
		if err == nil {
			rec = rec.Normalize()
			if werr := m.store.Write(a.Path, rec); werr != nil {
				lastErr = gwerrors.Wrap(gwerrors.CodeAuthFlowRejected, werr, "lifecycle: persist acquired token")
				continue
			}
			if backupPath != "" {
				m.store.DiscardBackup(backupPath)
			}
			return rec, nil
		}
		lastErr = err
	}

	if backupPath != "" {
		_ = m.store.Restore(backupPath, a.Path)
	}
	if lastErr == nil {
		lastErr = gwerrors.New(gwerrors.CodeAuthFlowRejected, "lifecycle: no flow configured")
	}
	return tokenstore.Record{}, lastErr
}

func (m *Manager) runFlow(ctx context.Context, a Auth, kind FlowKind) (tokenstore.Record, error) {
	switch kind {
	case FlowDeviceCode:
		flow := oauthflow.NewDeviceCodeFlow(a.Provider, a.Endpoints, m.httpClient)
		da, err := flow.Initiate(ctx)
		if err != nil {
			return tokenstore.Record{}, err
		}
		log.WithFields(map[string]any{
			"provider":         a.Provider,
			"verification_uri": da.VerificationURIComplete,
			"user_code":        da.UserCode,
		}).Info("device authorization pending")
		rec, err := flow.Poll(ctx, da)
		if err != nil {
			return tokenstore.Record{}, err
		}
		return oauthflow.Enrich(ctx, a.Provider, m.httpClient, rec)
	case FlowAuthCode:
		flow := oauthflow.NewAuthCodeFlow(a.Provider, a.Endpoints, m.httpClient)
		flow.OpenBrowser = oauthflow.OpenURL
		rec, err := flow.Run(ctx, func(authURL string) {
			log.WithField("provider", a.Provider).WithField("auth_url", authURL).Info("authorization url ready")
		})
		if err != nil {
			return tokenstore.Record{}, err
		}
		return oauthflow.Enrich(ctx, a.Provider, m.httpClient, rec)
	default:
		return tokenstore.Record{}, gwerrors.Newf(gwerrors.CodeInvalidConfig, "lifecycle: unknown flow kind %q", kind)
	}
}

// upstreamInvalidPatterns lists the well-known phrases that indicate an
// upstream rejected the current token (spec §4.3).
var upstreamInvalidPatterns = []string{
	"invalid_token", "invalid_grant", "unauthenticated", "token has expired",
}

// HandleUpstreamInvalidOAuthToken inspects err for the documented
// auth-invalidity signals and, when matched, forces a reauthorization
// attempt. It returns whether a recovery attempt was made.
func (m *Manager) HandleUpstreamInvalidOAuthToken(ctx context.Context, a Auth, statusCode int, err error) (bool, error) {
	if !looksLikeAuthInvalidity(statusCode, err) {
		return false, nil
	}
	_, rerr := m.EnsureValidToken(ctx, a, Options{ForceReauthorize: true, ForceReacquireIfRefreshFails: true})
	return true, rerr
}

func looksLikeAuthInvalidity(statusCode int, err error) bool {
	if statusCode == 401 || statusCode == 403 {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range upstreamInvalidPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// BackfillGeminiProjectID implements the Gemini-CLI metadata backfill (spec
// §4.3): on load, if the token lacks project_id, enrich without forcing a
// full OAuth round trip. Auth-class errors during backfill invalidate the
// token so the next ensureValidToken call falls through to interactive.
func (m *Manager) BackfillGeminiProjectID(ctx context.Context, a Auth) error {
	rec, ok, err := m.store.Read(a.Path)
	if err != nil || !ok || rec.ProjectID != "" {
		return err
	}
	enriched, eerr := oauthflow.Enrich(ctx, a.Provider, m.httpClient, rec)
	if eerr != nil {
		if looksLikeAuthInvalidity(0, eerr) {
			rec.AccessToken = ""
			_ = m.store.Write(a.Path, rec)
		}
		return fmt.Errorf("lifecycle: gemini metadata backfill: %w", eerr)
	}
	return m.store.Write(a.Path, enriched.Normalize())
}
