package executor

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/models"
)

// Prioritizer changes the scheduling priority the engine child inherits. On
// Linux that is the calling thread's priority.
type Prioritizer interface {
	SetPriority(p models.Priority) error
}

// OSPrioritizer applies priorities through the operating system.
type OSPrioritizer struct {
	logger *zap.Logger
}

func NewOSPrioritizer(l *zap.Logger) *OSPrioritizer {
	return &OSPrioritizer{logger: logger.OrGlobal(l)}
}

// SetPriority lowers (or raises, given the privilege) the current process's
// priority. Denial is reported as a FatalError.
func (o *OSPrioritizer) SetPriority(p models.Priority) error {
	if err := setPriority(p.OrDefault()); err != nil {
		return &failure.FatalError{Op: "set process priority to " + string(p.OrDefault()), Err: err}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if nice, err := proc.Nice(); err == nil {
			o.logger.Debug("process priority applied",
				zap.String("priority", string(p.OrDefault())),
				zap.Int32("nice", nice))
		}
	}
	return nil
}

// PrioritizerFunc adapts a function to Prioritizer.
type PrioritizerFunc func(models.Priority) error

func (f PrioritizerFunc) SetPriority(p models.Priority) error { return f(p) }
