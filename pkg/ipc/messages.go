package ipc

import (
	"context"
	"errors"
	"time"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/models"
)

// Frame type discriminants.
const (
	LineType   = "line"
	ResultType = "result"
)

// WorkerRequest is the single frame a worker reads from stdin.
type WorkerRequest struct {
	Descriptor models.ScenarioDescriptor `msgpack:"descriptor"`
	Policy     models.RetryPolicy        `msgpack:"policy"`
	Engine     string                    `msgpack:"engine"`
	Timeout    time.Duration             `msgpack:"timeout"`
}

// LineFrame carries one progress line from the worker.
type LineFrame struct {
	Type string `msgpack:"type"`
	Line string `msgpack:"line"`
}

func NewLineFrame(line string) LineFrame {
	return LineFrame{Type: LineType, Line: line}
}

// ResultFrame is the last frame a worker writes.
type ResultFrame struct {
	Type   string                  `msgpack:"type"`
	Result models.InvocationResult `msgpack:"result"`
	Error  *ErrorInfo              `msgpack:"error,omitempty"`
}

func NewResultFrame(res models.InvocationResult, err error) ResultFrame {
	return ResultFrame{Type: ResultType, Result: res, Error: NewErrorInfo(err)}
}

// Error kinds carried across the process boundary.
const (
	ErrorKindConfiguration = "configuration"
	ErrorKindFatal         = "fatal"
	ErrorKindEngine        = "engine"
	ErrorKindOther         = "other"
)

// ErrorInfo is the wire form of a runner error. Enough is kept to rebuild the
// typed error on the other side so errors.Is/As keep working.
type ErrorInfo struct {
	Kind       string           `msgpack:"kind"`
	Message    string           `msgpack:"message"`
	Category   failure.Category `msgpack:"category,omitempty"`
	Diagnostic string           `msgpack:"diagnostic,omitempty"`
	Op         string           `msgpack:"op,omitempty"`
	Cause      string           `msgpack:"cause,omitempty"`
	Process    string           `msgpack:"process,omitempty"`
	PID        int              `msgpack:"pid,omitempty"`
}

// NewErrorInfo flattens err; nil stays nil.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: ErrorKindOther, Message: err.Error()}

	var procErr *failure.ProcessError
	if errors.As(err, &procErr) {
		info.Process = procErr.Process
		info.PID = procErr.PID
		err = procErr.Err
		info.Message = err.Error()
	}

	var engineErr *failure.EngineError
	var fatalErr *failure.FatalError
	switch {
	case errors.As(err, &engineErr):
		info.Kind = ErrorKindEngine
		info.Category = engineErr.Category
		info.Diagnostic = engineErr.Diagnostic
	case failure.IsConfiguration(err):
		info.Kind = ErrorKindConfiguration
	case errors.As(err, &fatalErr):
		info.Kind = ErrorKindFatal
		info.Op = fatalErr.Op
		info.Message = fatalErr.Err.Error()
	}

	switch {
	case errors.Is(err, context.Canceled):
		info.Cause = causeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		info.Cause = causeDeadline
	}
	return info
}

const (
	causeCanceled = "canceled"
	causeDeadline = "deadline"
)

// remoteError keeps the worker's message while still matching context
// sentinels with errors.Is.
type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }

func (i *ErrorInfo) cause() error {
	var cause error
	switch i.Cause {
	case causeCanceled:
		cause = context.Canceled
	case causeDeadline:
		cause = context.DeadlineExceeded
	}
	return &remoteError{msg: i.Message, cause: cause}
}

// Err rebuilds a typed error.
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	var err error
	switch i.Kind {
	case ErrorKindEngine:
		err = &failure.EngineError{Category: i.Category, Diagnostic: i.Diagnostic}
	case ErrorKindConfiguration:
		err = &failure.ConfigurationError{Msg: i.Message}
	case ErrorKindFatal:
		err = &failure.FatalError{Op: i.Op, Err: i.cause()}
	default:
		err = i.cause()
	}
	if i.Process != "" {
		err = &failure.ProcessError{Process: i.Process, PID: i.PID, Err: err}
	}
	return err
}
