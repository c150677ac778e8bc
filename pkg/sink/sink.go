// Package sink defines where human-readable progress lines go.
//
// Components never print directly. They receive a Sink at construction time;
// callers that share one sink between concurrent components wrap it once with
// Serialized so every Emit is line-atomic.
package sink

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"dtrunner/pkg/metrics"
)

// Sink accepts one line (or one multi-line message) of progress text.
// Implementations must not block indefinitely.
type Sink interface {
	Emit(line string)
}

// Func adapts a function to Sink.
type Func func(line string)

func (f Func) Emit(line string) { f(line) }

// Discard drops everything.
var Discard Sink = Func(func(string) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

type serialized struct {
	mu   sync.Mutex
	next Sink
}

// Serialized wraps s with a single mutex so concurrent emitters never interleave.
func Serialized(s Sink) Sink {
	return &serialized{next: s}
}

func (s *serialized) Emit(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.Emit(line)
}

type writerSink struct {
	w io.Writer
}

// Writer prints each line to w followed by a newline.
func Writer(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Emit(line string) {
	fmt.Fprintln(s.w, line)
}

// Zap forwards lines to a structured logger at info level.
func Zap(logger *zap.Logger) Sink {
	return Func(func(line string) {
		logger.Info(line)
	})
}

// Multi fans a line out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return Func(func(line string) {
		for _, s := range sinks {
			s.Emit(line)
		}
	})
}

// Prefixed prepends prefix to every line.
func Prefixed(prefix string, s Sink) Sink {
	return Func(func(line string) {
		s.Emit(prefix + line)
	})
}

// Channel enqueues lines on ch. When ch is full the line is dropped and
// counted rather than blocking the emitter.
func Channel(ch chan<- string) Sink {
	return Func(func(line string) {
		select {
		case ch <- line:
		default:
			metrics.SinkDropped.WithLabelValues("channel").Inc()
		}
	})
}
