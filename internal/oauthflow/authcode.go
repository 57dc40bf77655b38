package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/tokenstore"
)

// callbackResult captures the outcome of the local OAuth callback,
// generalized from the teacher's internal/auth/iflow.OAuthServer to serve
// every authorization-code provider (iflow, gemini-cli, antigravity).
type callbackResult struct {
	Code  string
	State string
	Error string
}

// callbackServer is a minimal local HTTP listener for the redirect_uri,
// grounded on internal/auth/iflow/oauth_server.go.
type callbackServer struct {
	server *http.Server
	port   int
	path   string
	result chan *callbackResult
	errs   chan error
	mu     sync.Mutex
}

func newCallbackServer(port int, path string) *callbackServer {
	return &callbackServer{port: port, path: path, result: make(chan *callbackResult, 1), errs: make(chan error, 1)}
}

func (s *callbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: callback port unavailable")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handle)
	s.server = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errs <- err
		}
	}()
	return nil
}

func (s *callbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := strings.TrimSpace(q.Get("error")); e != "" {
		s.send(&callbackResult{Error: e})
		fmt.Fprint(w, "Authorization failed. You may close this window.")
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		s.send(&callbackResult{Error: "missing_code"})
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	s.send(&callbackResult{Code: code, State: q.Get("state")})
	fmt.Fprint(w, "Authorization complete. You may close this window.")
}

func (s *callbackServer) send(res *callbackResult) {
	select {
	case s.result <- res:
	default:
	}
}

func (s *callbackServer) Wait(ctx context.Context, timeout time.Duration) (*callbackResult, error) {
	select {
	case res := <-s.result:
		return res, nil
	case err := <-s.errs:
		return nil, err
	case <-time.After(timeout):
		return nil, gwerrors.New(gwerrors.CodeAuthFlowTimedOut, "oauthflow: timed out waiting for oauth callback")
	case <-ctx.Done():
		return nil, gwerrors.Wrap(gwerrors.CodeAuthFlowTimedOut, ctx.Err(), "oauthflow: context canceled waiting for callback")
	}
}

// AuthCodeFlow implements the authorization-code OAuth flow (iflow primary,
// gemini family, antigravity), grounded on internal/auth/iflow/iflow_auth.go
// + oauth_server.go.
type AuthCodeFlow struct {
	Provider             string
	Endpoints            Endpoints
	HTTPClient           *http.Client
	RequestOfflineAccess bool
	// OpenBrowser, when set, is invoked with the authorization URL
	// (activationType=auto_browser); the skratchdot/open-golang backed
	// default lives in internal/oauthflow/browser.go.
	OpenBrowser func(url string) error
	// CallbackTimeout bounds the local listener's wait for the redirect.
	CallbackTimeout time.Duration
}

// NewAuthCodeFlow constructs a flow for provider with resolved endpoints.
func NewAuthCodeFlow(provider string, override *Endpoints, client *http.Client) *AuthCodeFlow {
	if client == nil {
		client = http.DefaultClient
	}
	return &AuthCodeFlow{
		Provider:        provider,
		Endpoints:       Resolve(provider, override),
		HTTPClient:      client,
		CallbackTimeout: 10 * time.Minute,
	}
}

func randomState() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Run executes the full authorization-code sequence: starts the local
// listener, builds the authorization URL, optionally opens a browser, waits
// for the callback, verifies state, and exchanges the code for a token.
func (f *AuthCodeFlow) Run(ctx context.Context, portalNotify func(authURL string)) (tokenstore.Record, error) {
	if f.Endpoints.ClientID == "" || f.Endpoints.RedirectURI == "" {
		return tokenstore.Record{}, gwerrors.New(gwerrors.CodeInvalidConfig, "oauthflow: missing client_id or redirect_uri")
	}
	redirectURL, err := url.Parse(f.Endpoints.RedirectURI)
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: invalid redirect_uri")
	}
	port := 0
	fmt.Sscanf(redirectURL.Port(), "%d", &port)
	if port == 0 {
		port = 11451
	}

	pair, err := NewPKCEPair()
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: pkce generation failed")
	}
	state := randomState()

	srv := newCallbackServer(port, redirectURL.Path)
	if err = srv.Start(); err != nil {
		return tokenstore.Record{}, err
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	authURL := f.buildAuthorizeURL(pair, state)
	if portalNotify != nil {
		portalNotify(authURL)
	}
	if f.OpenBrowser != nil {
		_ = f.OpenBrowser(authURL)
	}

	res, err := srv.Wait(ctx, f.CallbackTimeout)
	if err != nil {
		return tokenstore.Record{}, err
	}
	if res.Error != "" {
		return tokenstore.Record{}, gwerrors.Newf(gwerrors.CodeAuthFlowRejected, "oauthflow: authorization rejected: %s", res.Error)
	}
	if res.State != state {
		return tokenstore.Record{}, gwerrors.New(gwerrors.CodeAuthFlowRejected, "oauthflow: state mismatch")
	}

	return f.exchangeCode(ctx, res.Code, pair.Verifier)
}

func (f *AuthCodeFlow) buildAuthorizeURL(pair PKCEPair, state string) string {
	q := url.Values{}
	q.Set("client_id", f.Endpoints.ClientID)
	q.Set("redirect_uri", f.Endpoints.RedirectURI)
	q.Set("scope", f.Endpoints.Scope)
	q.Set("state", state)
	q.Set("code_challenge", pair.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("response_type", "code")
	if f.RequestOfflineAccess {
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
	}
	return f.Endpoints.AuthorizeURL + "?" + q.Encode()
}

func (f *AuthCodeFlow) exchangeCode(ctx context.Context, code, verifier string) (tokenstore.Record, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.Endpoints.RedirectURI)
	form.Set("code_verifier", verifier)
	form.Set("client_id", f.Endpoints.ClientID)
	if f.Endpoints.ClientSecret != "" {
		form.Set("client_secret", f.Endpoints.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: build exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	applyExtraHeaders(req, f.Endpoints.ExtraHeaders)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return tokenstore.Record{}, gwerrors.RetryableErr(gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: exchange request failed"))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: read exchange response")
	}
	if resp.StatusCode != http.StatusOK {
		return tokenstore.Record{}, gwerrors.Newf(gwerrors.CodeAuthFlowRejected, "oauthflow: code exchange rejected: %d %s", resp.StatusCode, string(body))
	}
	rec, _, _, err := parseTokenResponse(body)
	return rec, err
}

// Refresh exchanges a refresh_token for a new access token (spec §4.2
// "Refresh", shared by both flow types). An omitted refresh_token in the
// response preserves the caller's existing one.
func Refresh(ctx context.Context, ep Endpoints, client *http.Client, refreshToken string) (tokenstore.Record, error) {
	if client == nil {
		client = http.DefaultClient
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", ep.ClientID)
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	applyExtraHeaders(req, ep.ExtraHeaders)

	resp, err := client.Do(req)
	if err != nil {
		return tokenstore.Record{}, gwerrors.RetryableErr(gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: refresh request failed"))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: read refresh response")
	}
	if resp.StatusCode != http.StatusOK {
		return tokenstore.Record{}, gwerrors.Newf(gwerrors.CodeRefreshFailed, "oauthflow: refresh rejected: %d %s", resp.StatusCode, string(body))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err = json.Unmarshal(body, &tr); err != nil {
		return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeRefreshFailed, err, "oauthflow: parse refresh response")
	}
	newRefresh := tr.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return tokenstore.Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: newRefresh,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAtMs:  time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}
