//go:build windows

package executor

import "os"

// Windows cannot deliver a console interrupt to a single child.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}
