//go:build !windows

package executor

import (
	"golang.org/x/sys/unix"

	"dtrunner/pkg/models"
)

func setPriority(p models.Priority) error {
	nice, err := p.Nice()
	if err != nil {
		return err
	}
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nice)
}
