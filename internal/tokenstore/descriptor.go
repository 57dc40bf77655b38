// Package tokenstore implements C1: on-disk persistence of per-account OAuth
// credentials, grounded on the teacher's sdk/auth.FileTokenStore
// (sdk/auth/filestore.go) and sdk/cliproxy/auth.Auth (types.go).
package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Descriptor identifies one credential file (spec §3 Token Descriptor).
type Descriptor struct {
	Provider string
	Alias    string
	Sequence int
}

// FilePath derives the absolute path for this descriptor given the
// configured auth directory, honoring the documented per-provider
// exceptions (spec §3).
func (d Descriptor) FilePath(authDir string) string {
	switch d.Provider {
	case "iflow":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".iflow", "oauth_creds.json")
	case "qwen":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".routecodex", "auth", "qwen-oauth.json")
	case "gemini-cli":
		return filepath.Join(authDir, "gemini-oauth.json")
	case "antigravity":
		return filepath.Join(authDir, "antigravity-oauth.json")
	default:
		alias := d.Alias
		if alias == "" {
			alias = "default"
		}
		name := fmt.Sprintf("%s-oauth-%d-%s.json", d.Provider, d.Sequence, alias)
		return filepath.Join(authDir, name)
	}
}

// ParseFileName recovers a Descriptor from a file name of the form
// "<provider>-oauth-<sequence>-<alias>.json". Files that don't match this
// convention (legacy single-file layouts) return ok=false; callers should
// fall back to treating the whole file as one descriptor with sequence 1.
func ParseFileName(name string) (Descriptor, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".json")
	parts := strings.SplitN(base, "-oauth-", 2)
	if len(parts) != 2 {
		return Descriptor{}, false
	}
	provider := parts[0]
	rest := strings.SplitN(parts[1], "-", 2)
	if len(rest) != 2 {
		return Descriptor{}, false
	}
	var seq int
	if _, err := fmt.Sscanf(rest[0], "%d", &seq); err != nil {
		return Descriptor{}, false
	}
	return Descriptor{Provider: provider, Alias: rest[1], Sequence: seq}, true
}
