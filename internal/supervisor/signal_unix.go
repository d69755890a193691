//go:build !windows

package supervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminateGracefully sends SIGTERM, the POSIX graceful-terminate signal.
func terminateGracefully(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
