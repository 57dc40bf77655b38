package tokenstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is the persistent JSON document for one credential (spec §3 Stored
// Token Record). Free-form fields outside the recognized keys are preserved
// across refresh via Extra.
type Record struct {
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresAtMs  int64          `json:"expires_at,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	Projects     []string       `json:"projects,omitempty"`
	Email        string         `json:"email,omitempty"`
	APIKey       string         `json:"api_key,omitempty"`
	NoRefresh    bool           `json:"norefresh,omitempty"`
	Extra        map[string]any `json:"-"`
}

// expiryKeys lists the expiry field names tolerated on read, in precedence
// order (spec §4.1).
var expiryKeys = []string{"expires_at", "expired", "expiry_date", "expiry_timestamp"}

// Normalize returns an idempotent copy: re-marshaling and re-parsing the
// result yields an equal Record (spec §8 invariant 3).
func (r Record) Normalize() Record {
	out := r
	out.TokenType = defaultString(out.TokenType, "Bearer")
	return out
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// ParseRecord decodes raw JSON into a Record, tolerating the legacy key
// variants documented in spec §4.1 and flattening Gemini-family nested
// {"token": {...}} schemas while preserving top-level metadata.
func ParseRecord(data []byte) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, err
	}
	return recordFromMap(raw), nil
}

func recordFromMap(raw map[string]any) Record {
	flat := make(map[string]any, len(raw))
	for k, v := range raw {
		flat[k] = v
	}
	// Gemini-family: flatten nested token object, preserving top-level keys
	// like disabled/protected_models/project_id that sit alongside it.
	if nested, ok := raw["token"].(map[string]any); ok {
		for k, v := range nested {
			if _, exists := flat[k]; !exists {
				flat[k] = v
			}
		}
	}

	rec := Record{}
	rec.AccessToken = firstString(flat, "access_token", "AccessToken")
	rec.RefreshToken = firstString(flat, "refresh_token", "RefreshToken")
	rec.TokenType = defaultString(firstString(flat, "token_type"), "Bearer")
	rec.Scope = firstString(flat, "scope")
	rec.IDToken = firstString(flat, "id_token")
	rec.ProjectID = firstString(flat, "project_id")
	rec.Email = firstString(flat, "email")
	rec.APIKey = firstString(flat, "api_key", "apiKey")
	rec.NoRefresh = firstBool(flat, "norefresh", "noRefresh")

	if projects, ok := flat["projects"].([]any); ok {
		for _, p := range projects {
			if s, ok2 := p.(string); ok2 {
				rec.Projects = append(rec.Projects, s)
			}
		}
	}

	for _, key := range expiryKeys {
		if v, ok := flat[key]; ok {
			if ms, ok2 := expiryToMs(key, v); ok2 {
				rec.ExpiresAtMs = ms
				break
			}
		}
	}

	known := map[string]bool{
		"access_token": true, "AccessToken": true, "refresh_token": true, "RefreshToken": true,
		"token_type": true, "scope": true, "id_token": true, "project_id": true, "email": true,
		"api_key": true, "apiKey": true, "norefresh": true, "noRefresh": true, "projects": true,
		"token": true, "expires_at": true, "expired": true, "expiry_date": true, "expiry_timestamp": true,
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		rec.Extra = extra
	}
	return rec
}

func expiryToMs(key string, v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		n := int64(val)
		if key == "expiry_timestamp" || key == "expiry_date" {
			return n * 1000, true
		}
		// "expired" historically carries milliseconds already, like expires_at.
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		if key == "expiry_timestamp" || key == "expiry_date" {
			return n * 1000, true
		}
		return n, true
	}
	return 0, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok2 := v.(string); ok2 && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err == nil {
				return b
			}
		}
	}
	return false
}

// MarshalJSON renders the record in the normalized (write) shape, merging
// back any preserved Extra fields.
func (r Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range r.Extra {
		out[k] = v
	}
	out["access_token"] = r.AccessToken
	if r.RefreshToken != "" {
		out["refresh_token"] = r.RefreshToken
	}
	out["token_type"] = defaultString(r.TokenType, "Bearer")
	if r.ExpiresAtMs != 0 {
		out["expires_at"] = r.ExpiresAtMs
	}
	if r.Scope != "" {
		out["scope"] = r.Scope
	}
	if r.IDToken != "" {
		out["id_token"] = r.IDToken
	}
	if r.ProjectID != "" {
		out["project_id"] = r.ProjectID
	}
	if len(r.Projects) > 0 {
		out["projects"] = r.Projects
	}
	if r.Email != "" {
		out["email"] = r.Email
	}
	if r.APIKey != "" {
		out["api_key"] = r.APIKey
	}
	if r.NoRefresh {
		out["norefresh"] = true
	}
	return json.Marshal(out)
}

// State is the I/O-free derived view of a Record (spec §3 Token State).
type State struct {
	HasAccess       bool
	HasRefresh      bool
	HasAPIKey       bool
	MsUntilExpiry   int64
	IsExpiredOrNear bool
	Status          Status
}

// Status enumerates the derived token health.
type Status string

const (
	StatusValid    Status = "valid"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
	StatusInvalid  Status = "invalid"
)

// skewMs is the near-expiry skew window: <=60s counts as near-expiry
// (spec §8: boundary is <=, not <).
const skewMs = 60_000

// Derive computes the Token State for a record at the given instant.
func Derive(r Record, now time.Time) State {
	s := State{
		HasAccess:  r.AccessToken != "",
		HasRefresh: r.RefreshToken != "",
		HasAPIKey:  r.APIKey != "",
	}
	if r.ExpiresAtMs > 0 {
		s.MsUntilExpiry = r.ExpiresAtMs - now.UnixMilli()
	}
	s.IsExpiredOrNear = r.ExpiresAtMs == 0 || s.MsUntilExpiry <= skewMs
	switch {
	case !s.HasAccess && !s.HasAPIKey:
		s.Status = StatusInvalid
	case r.ExpiresAtMs > 0 && s.MsUntilExpiry <= 0:
		s.Status = StatusExpired
	case s.IsExpiredOrNear:
		s.Status = StatusExpiring
	default:
		s.Status = StatusValid
	}
	return s
}
