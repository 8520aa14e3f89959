//go:build windows

package supervisor

import "os"

// Windows has no SIGTERM for arbitrary processes; terminate is a kill.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
