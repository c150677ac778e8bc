// Package failure classifies engine diagnostics and defines the error taxonomy
// shared by the runner, the worker protocol and the log watcher.
package failure

import (
	"errors"
	"fmt"
)

// ConfigurationError reports invalid or missing setup. It is always raised
// before any subprocess is spawned.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// FatalError wraps OS-level failures the runner cannot recover from, such as
// being denied a priority change or failing to start the engine at all.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// EngineError is a classified engine failure carrying the original diagnostic text.
type EngineError struct {
	Category   Category
	Diagnostic string
}

func (e *EngineError) Error() string {
	if e.Diagnostic == "" {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Diagnostic)
}

// Unwrap exposes the category sentinel so errors.Is(err, ErrDBAccessCollision) works.
func (e *EngineError) Unwrap() error {
	return e.Category.Err()
}

// ProcessError annotates an error with the identity of the process it came from,
// so failures stay traceable across worker process boundaries.
type ProcessError struct {
	Process string
	PID     int
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s process (pid %d): %v", e.Process, e.PID, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of a classified failure anywhere in err's chain.
func CategoryOf(err error) (Category, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Category, true
	}
	return "", false
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
