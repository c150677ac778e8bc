//go:build windows

package runner

import "syscall"

// The engine opens a console window; hide it unless a human wants to watch.
func sysProcAttr(opts Options) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: !opts.ShowWindow}
}
