//go:build windows

package supervisor

import "os"

// terminateGracefully has no POSIX-signal equivalent on Windows; os.Process
// does not expose a graceful request there, so this kills the process
// outright. Kill then sees the child exit within the grace period.
func terminateGracefully(p *os.Process) error {
	return p.Kill()
}
