package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/tokenstore"
)

// DeviceAuthorization is the response from the device authorization
// endpoint (spec §4.2 step 1).
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`

	pkce PKCEPair
}

// DeviceCodeFlow implements the device-code OAuth flow (qwen default,
// iflow fallback, google device endpoint), grounded on
// internal/auth/qwen/qwen_auth.go's InitiateDeviceFlow/PollForToken.
type DeviceCodeFlow struct {
	Provider   string
	Endpoints  Endpoints
	HTTPClient *http.Client
}

// NewDeviceCodeFlow constructs a flow for provider with resolved endpoints.
func NewDeviceCodeFlow(provider string, override *Endpoints, client *http.Client) *DeviceCodeFlow {
	if client == nil {
		client = http.DefaultClient
	}
	return &DeviceCodeFlow{Provider: provider, Endpoints: Resolve(provider, override), HTTPClient: client}
}

// Initiate starts the device authorization flow and returns the details the
// caller (or token portal) displays to the user.
func (f *DeviceCodeFlow) Initiate(ctx context.Context) (*DeviceAuthorization, error) {
	if f.Endpoints.ClientID == "" || f.Endpoints.DeviceCodeURL == "" {
		return nil, gwerrors.New(gwerrors.CodeInvalidConfig, "oauthflow: missing client_id or device_code_url")
	}
	pair, err := NewPKCEPair()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: pkce generation failed")
	}

	form := url.Values{}
	form.Set("client_id", f.Endpoints.ClientID)
	form.Set("scope", f.Endpoints.Scope)
	form.Set("code_challenge", pair.Challenge)
	form.Set("code_challenge_method", "S256")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoints.DeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: build device code request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	applyExtraHeaders(req, f.Endpoints.ExtraHeaders)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, gwerrors.RetryableErr(gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: device code request failed"))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: read device code response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gwerrors.Newf(gwerrors.CodeAuthFlowRejected, "oauthflow: device code request rejected: %d %s", resp.StatusCode, string(body))
	}

	var da DeviceAuthorization
	if err = json.Unmarshal(body, &da); err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: parse device code response")
	}
	if da.DeviceCode == "" {
		return nil, gwerrors.New(gwerrors.CodeAuthFlowRejected, "oauthflow: device_code missing in response")
	}
	da.pkce = pair
	return &da, nil
}

// Poll polls the token endpoint until success, rejection, or timeout
// (spec §4.2 step 3). It respects ctx cancellation in addition to the
// server's expires_in deadline.
func (f *DeviceCodeFlow) Poll(ctx context.Context, da *DeviceAuthorization) (tokenstore.Record, error) {
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(da.ExpiresIn) * time.Second)
	if da.ExpiresIn <= 0 {
		deadline = time.Now().Add(10 * time.Minute)
	}

	for {
		if time.Now().After(deadline) {
			return tokenstore.Record{}, gwerrors.New(gwerrors.CodeAuthFlowTimedOut, "oauthflow: device code expired before authorization")
		}
		select {
		case <-ctx.Done():
			return tokenstore.Record{}, gwerrors.Wrap(gwerrors.CodeAuthFlowTimedOut, ctx.Err(), "oauthflow: context canceled during device poll")
		case <-time.After(interval):
		}

		form := url.Values{}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		form.Set("device_code", da.DeviceCode)
		form.Set("code_verifier", da.pkce.Verifier)
		form.Set("client_id", f.Endpoints.ClientID)
		if f.Endpoints.ClientSecret != "" {
			form.Set("client_secret", f.Endpoints.ClientSecret)
		}

		rec, pending, slowDown, err := f.exchangeOnce(ctx, form)
		if err == nil {
			return rec, nil
		}
		if slowDown {
			interval += 5 * time.Second
			continue
		}
		if pending {
			continue
		}
		return tokenstore.Record{}, err
	}
}

func (f *DeviceCodeFlow) exchangeOnce(ctx context.Context, form url.Values) (tokenstore.Record, bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.Record{}, false, false, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: build poll request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	applyExtraHeaders(req, f.Endpoints.ExtraHeaders)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return tokenstore.Record{}, false, false, gwerrors.RetryableErr(gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: poll request failed"))
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errBody)
		switch errBody.Error {
		case "authorization_pending":
			return tokenstore.Record{}, true, false, fmt.Errorf("pending")
		case "slow_down":
			return tokenstore.Record{}, true, true, fmt.Errorf("slow down")
		default:
			return tokenstore.Record{}, false, false, gwerrors.Newf(gwerrors.CodeAuthFlowRejected, "oauthflow: device poll rejected: %s", errBody.Error)
		}
	}

	return parseTokenResponse(body)
}

func applyExtraHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func parseTokenResponse(body []byte) (tokenstore.Record, bool, bool, error) {
	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenstore.Record{}, false, false, gwerrors.Wrap(gwerrors.CodeInvalidConfig, err, "oauthflow: parse token response")
	}
	if tr.AccessToken == "" {
		return tokenstore.Record{}, false, false, gwerrors.New(gwerrors.CodeAuthFlowRejected, "oauthflow: token response missing access_token")
	}
	rec := tokenstore.Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		IDToken:      tr.IDToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli(),
	}
	return rec, false, false, nil
}
