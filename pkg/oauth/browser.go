package oauth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser asks the desktop to open url. The caller logs the URL as a
// fallback when no opener is available (headless hosts).
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return fmt.Errorf("no browser opener for %s", runtime.GOOS)
	}
}
