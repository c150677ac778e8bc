//go:build windows

package executor

import (
	"fmt"

	"golang.org/x/sys/windows"

	"dtrunner/pkg/models"
)

var priorityClasses = map[models.Priority]uint32{
	models.PriorityIdle:        windows.IDLE_PRIORITY_CLASS,
	models.PriorityBelowNormal: windows.BELOW_NORMAL_PRIORITY_CLASS,
	models.PriorityNormal:      windows.NORMAL_PRIORITY_CLASS,
	models.PriorityAboveNormal: windows.ABOVE_NORMAL_PRIORITY_CLASS,
	models.PriorityHigh:        windows.HIGH_PRIORITY_CLASS,
}

func setPriority(p models.Priority) error {
	class, ok := priorityClasses[p]
	if !ok {
		return fmt.Errorf("unknown priority %q", p)
	}
	return windows.SetPriorityClass(windows.CurrentProcess(), class)
}
