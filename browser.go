package edge

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/hrcloud/edge/core"
)

// ErrBrowserNotFound is returned by OpenBrowser when no Chrome or Chromium executable can be located.
var ErrBrowserNotFound = errors.New("chrome executable not found")

// browserCandidates lists the usual Chrome and Chromium locations for goos.
func browserCandidates(goos string) []string {
	switch goos {
	case "darwin":
		return []string{
			`/Applications/Google Chrome.app/Contents/MacOS/Google Chrome`,
			`/Applications/Chromium.app/Contents/MacOS/Chromium`,
			`/usr/local/bin/chrome`,
			`/usr/local/bin/chromium`,
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Chromium\Application\chrome.exe`,
		}
	case "linux":
		return []string{
			`/usr/bin/google-chrome`,
			`/usr/bin/chromium-browser`,
			`/usr/bin/chromium`,
			`/snap/bin/chromium`,
		}
	}
	return nil
}

// findBrowser returns custom when it resolves, otherwise the first installed candidate.
func findBrowser(custom string) string {
	paths := browserCandidates(runtime.GOOS)
	if custom != "" {
		paths = append([]string{custom}, paths...)
	}
	for _, p := range paths {
		if resolved, err := exec.LookPath(p); err == nil {
			return resolved
		}
	}
	return ""
}

// browserArgs builds the Chrome flags for an isolated profile pointed at the edge.
// In reverse mode the browser opens the edge itself. In forward mode it uses the
// edge as its proxy and opens the origin.
func browserArgs(mode, profileDir, address, port, origin string) []string {
	hostPort := net.JoinHostPort(address, port)
	args := []string{
		fmt.Sprintf("--user-data-dir=%s", profileDir),
		"--disable-background-networking",
		"--disable-default-apps",
		"--disable-sync",
		"--no-first-run",
		"--disable-component-update",
	}
	if mode == ModeForward {
		return append(args,
			fmt.Sprintf("--proxy-server=http://%s", hostPort),
			"--proxy-bypass-list=<-loopback>",
			origin,
		)
	}
	return append(args, fmt.Sprintf("http://%s/", hostPort))
}

// OpenBrowser launches Chrome with a dedicated profile under the config directory,
// pointed at an edge listening on address:port.
func (edge *Edge) OpenBrowser(address, port string) error {
	chromePath := findBrowser(edge.ChromePath)
	if chromePath == "" {
		return fmt.Errorf("%w on %s", ErrBrowserNotFound, runtime.GOOS)
	}
	profileDir := filepath.Join(".", "chrome-profile")
	if edge.Config != nil && edge.Config.ConfigDir != "" {
		profileDir = filepath.Join(edge.Config.ConfigDir, "chrome-profile")
	}
	origin := ""
	if edge.Origin != nil {
		origin = edge.Origin.String()
	}
	cmd := exec.Command(chromePath, browserArgs(edge.Mode, profileDir, address, port, origin)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting chrome : %w", err)
	}
	edge.WriteLog("INFO", fmt.Sprintf("opened %s", chromePath), core.LogWithContext(map[string]any{"browser": chromePath}))
	return nil
}
