package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/tokenstore"
)

// Enrich performs the post-acquire steps each provider family needs before
// a freshly acquired record is first written to disk (spec §4.2 step 5):
// iFlow exchanges the access token for a platform API key and account email,
// returning an error if that exchange fails; gemini-cli/antigravity fetch
// userinfo and resolve a cloud project id on a best-effort basis, grounded on internal/auth/iflow/iflow_auth.go's
// FetchUserInfo and the Gemini-CLI onboarding flow referenced by
// internal/auth/gemini/gemini_auth.go.
func Enrich(ctx context.Context, provider string, client *http.Client, rec tokenstore.Record) (tokenstore.Record, error) {
	switch provider {
	case "iflow":
		return enrichIFlow(ctx, client, rec)
	case "gemini-cli", "antigravity":
		return enrichGoogle(ctx, client, rec)
	default:
		return rec, nil
	}
}

const iflowUserInfoURL = "https://iflow.cn/api/oauth/getUserInfo"

func enrichIFlow(ctx context.Context, client *http.Client, rec tokenstore.Record) (tokenstore.Record, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := fmt.Sprintf("%s?accessToken=%s", iflowUserInfoURL, url.QueryEscape(rec.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return rec, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: build iflow userinfo request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return rec, gwerrors.RetryableErr(gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: iflow userinfo request failed"))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rec, gwerrors.Wrap(gwerrors.CodeNetworkError, err, "oauthflow: read iflow userinfo response")
	}
	if resp.StatusCode != http.StatusOK {
		return rec, gwerrors.Newf(gwerrors.CodeAuthFlowRejected, "oauthflow: iflow userinfo rejected: %d %s", resp.StatusCode, string(body))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			APIKey string `json:"apiKey"`
			Email  string `json:"email"`
			Phone  string `json:"phone"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &result); err != nil {
		return rec, gwerrors.Wrap(gwerrors.CodeAuthFlowRejected, err, "oauthflow: parse iflow userinfo response")
	}
	if !result.Success || result.Data.APIKey == "" {
		return rec, gwerrors.New(gwerrors.CodeAuthFlowRejected, "oauthflow: iflow userinfo missing api key")
	}

	rec.APIKey = result.Data.APIKey
	email := strings.TrimSpace(result.Data.Email)
	if email == "" {
		email = strings.TrimSpace(result.Data.Phone)
	}
	rec.Email = email
	return rec, nil
}

const (
	googleUserinfoURL          = "https://www.googleapis.com/oauth2/v2/userinfo"
	cloudaicompanionLoadURL    = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	cloudaicompanionOnboardURL = "https://cloudcode-pa.googleapis.com/v1internal:onboardUser"
)

// enrichGoogle resolves the account email and a usable cloud project id for
// the gemini-cli / antigravity families. Project resolution is best-effort:
// failure to reach the companion-onboarding endpoint does not fail the
// overall acquisition, since some accounts carry a free-tier project already
// bound to the token and never need it.
func enrichGoogle(ctx context.Context, client *http.Client, rec tokenstore.Record) (tokenstore.Record, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if email, err := fetchGoogleEmail(ctx, client, rec.AccessToken); err == nil {
		rec.Email = email
	}
	if rec.ProjectID == "" {
		if pid, err := resolveCloudProject(ctx, client, rec.AccessToken); err == nil && pid != "" {
			rec.ProjectID = pid
		}
	}
	return rec, nil
}

func fetchGoogleEmail(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// resolveCloudProject calls the Code Assist loadCodeAssist endpoint and, if
// the account is unregistered, onboards it into the free tier, mirroring
// the Gemini CLI's own first-run bootstrap.
func resolveCloudProject(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	var loadResp struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
		CurrentTier             *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
	}
	if err := postJSON(ctx, client, cloudaicompanionLoadURL, accessToken, map[string]any{"metadata": map[string]any{"pluginType": "GEMINI"}}, &loadResp); err != nil {
		return "", err
	}
	if loadResp.CloudaicompanionProject != "" {
		return loadResp.CloudaicompanionProject, nil
	}
	if loadResp.CurrentTier != nil {
		return "", nil
	}

	var onboardResp struct {
		Done     bool `json:"done"`
		Response struct {
			CloudaicompanionProject struct {
				ID string `json:"id"`
			} `json:"cloudaicompanionProject"`
		} `json:"response"`
	}
	if err := postJSON(ctx, client, cloudaicompanionOnboardURL, accessToken, map[string]any{
		"tierId":   "free-tier",
		"metadata": map[string]any{"pluginType": "GEMINI"},
	}, &onboardResp); err != nil {
		return "", err
	}
	return onboardResp.Response.CloudaicompanionProject.ID, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint, accessToken string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("companion endpoint status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
