package oauthflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Endpoints carries the per-provider OAuth endpoint set and client
// credentials, resolved once at strategy-construction time (spec §4.2).
type Endpoints struct {
	DeviceCodeURL string
	TokenURL      string
	AuthorizeURL  string
	ClientID      string
	ClientSecret  string
	Scope         string
	RedirectURI   string
	// ExtraHeaders are merged into every request to this provider (e.g.
	// iFlow's Origin/Referer, Qwen's X-Goog-Api-Client).
	ExtraHeaders map[string]string
}

// builtinDefaults holds the hard-coded fallback endpoints per provider.
var builtinDefaults = map[string]Endpoints{
	"qwen": {
		DeviceCodeURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
		TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
		ClientID:      "f0304373b74a44d2b584a3fb70ca9e56",
		Scope:         "openid profile email model.completion",
	},
	"iflow": {
		AuthorizeURL: "https://iflow.cn/oauth",
		TokenURL:     "https://iflow.cn/oauth/token",
		ClientID:     "10009311001",
		RedirectURI:  "http://127.0.0.1:11451/oauth2callback",
		Scope:        "openid profile email",
		ExtraHeaders: map[string]string{
			"Origin":  "https://iflow.cn",
			"Referer": "https://iflow.cn/",
		},
	},
	"gemini-cli": {
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		DeviceCodeURL: "https://oauth2.googleapis.com/device/code",
		ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6avivmm1a8nqf.apps.googleusercontent.com",
		Scope:        "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email",
		RedirectURI:  "http://127.0.0.1:8085/oauth2callback",
		ExtraHeaders: map[string]string{"X-Goog-Api-Client": "gl-go/routecodex"},
	},
	"antigravity": {
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		ClientID:     "antigravity-client",
		Scope:        "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email",
		RedirectURI:  "http://127.0.0.1:8086/oauth2callback",
	},
}

var envVarNames = map[string][2]string{
	"qwen":        {"QWEN_CLIENT_ID", "QWEN_CLIENT_SECRET"},
	"iflow":       {"IFLOW_CLIENT_ID", "IFLOW_CLIENT_SECRET"},
	"gemini-cli":  {"ROUTECODEX_GEMINI_CLI_GOOGLE_CLIENT_ID", "ROUTECODEX_GEMINI_CLI_GOOGLE_CLIENT_SECRET"},
	"antigravity": {"ROUTECODEX_ANTIGRAVITY_CLIENT_ID", "ROUTECODEX_ANTIGRAVITY_CLIENT_SECRET"},
}

var (
	localClientsOnce  sync.Once
	localClientsCache map[string]map[string]string
)

// localClientsPath is the on-disk override file (spec §6 on-disk layout).
func localClientsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".routecodex", "auth", "oauth-clients.local.json")
}

func loadLocalClients() map[string]map[string]string {
	localClientsOnce.Do(func() {
		localClientsCache = map[string]map[string]string{}
		data, err := os.ReadFile(localClientsPath())
		if err != nil {
			return
		}
		_ = json.Unmarshal(data, &localClientsCache)
	})
	return localClientsCache
}

// Resolve computes the effective Endpoints for provider, applying the
// documented precedence: caller override -> environment variable -> local
// clients file -> built-in default.
func Resolve(provider string, override *Endpoints) Endpoints {
	eff := builtinDefaults[provider]

	if local, ok := loadLocalClients()[provider]; ok {
		if v := strings.TrimSpace(local["client_id"]); v != "" {
			eff.ClientID = v
		}
		if v := strings.TrimSpace(local["client_secret"]); v != "" {
			eff.ClientSecret = v
		}
	}

	if names, ok := envVarNames[provider]; ok {
		if v := strings.TrimSpace(os.Getenv(names[0])); v != "" {
			eff.ClientID = v
		}
		if v := strings.TrimSpace(os.Getenv(names[1])); v != "" {
			eff.ClientSecret = v
		}
	}

	if override != nil {
		if override.ClientID != "" {
			eff.ClientID = override.ClientID
		}
		if override.ClientSecret != "" {
			eff.ClientSecret = override.ClientSecret
		}
		if override.DeviceCodeURL != "" {
			eff.DeviceCodeURL = override.DeviceCodeURL
		}
		if override.TokenURL != "" {
			eff.TokenURL = override.TokenURL
		}
		if override.AuthorizeURL != "" {
			eff.AuthorizeURL = override.AuthorizeURL
		}
		if override.RedirectURI != "" {
			eff.RedirectURI = override.RedirectURI
		}
		if override.Scope != "" {
			eff.Scope = override.Scope
		}
		for k, v := range override.ExtraHeaders {
			if eff.ExtraHeaders == nil {
				eff.ExtraHeaders = map[string]string{}
			}
			eff.ExtraHeaders[k] = v
		}
	}
	return eff
}
