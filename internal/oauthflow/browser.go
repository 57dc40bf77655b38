package oauthflow

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/routecodex/gateway/internal/logging"
	"github.com/skratchdot/open-golang/open"
)

var browserLog = logging.For("oauthflow.browser")

// OpenURL opens url in the user's default browser (spec §4.2's
// auto_browser activation type), grounded on internal/browser/browser.go.
// It tries the cross-platform open-golang library first and falls back to
// an OS-specific command.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		browserLog.Debug("opened url via open-golang")
		return nil
	}
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, candidate := range []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"} {
			if _, err := exec.LookPath(candidate); err == nil {
				cmd = exec.Command(candidate, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("oauthflow: no browser command found on linux")
		}
	default:
		return fmt.Errorf("oauthflow: unsupported os %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("oauthflow: failed to start browser: %w", err)
	}
	browserLog.Debug("opened url via platform command")
	return nil
}
