package models

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"dtrunner/pkg/failure"
)

// ScenarioKind identifies what a scenario file asks the engine to do.
type ScenarioKind string

const (
	KindDedupe           ScenarioKind = "dedupe"
	KindMassEffect       ScenarioKind = "mass_effect"
	KindMassEffectExport ScenarioKind = "mass_effect_export"
	KindBulkBackup       ScenarioKind = "bulk_backup"
)

// kindExtensions is the bijective kind <-> extension table.
var kindExtensions = map[ScenarioKind]string{
	KindDedupe:           ".STDxml",
	KindMassEffect:       ".MExml",
	KindMassEffectExport: ".DExml",
	KindBulkBackup:       ".BBxml",
}

var extensionKinds = func() map[string]ScenarioKind {
	m := make(map[string]ScenarioKind, len(kindExtensions))
	for k, ext := range kindExtensions {
		m[ext] = k
	}
	return m
}()

// Extension returns the file extension for the kind, or "" if unknown.
func (k ScenarioKind) Extension() string {
	return kindExtensions[k]
}

// Extensions returns every recognized scenario extension, sorted.
func Extensions() []string {
	exts := make([]string, 0, len(kindExtensions))
	for _, ext := range kindExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// KindForPath resolves the scenario kind from the suffix after the last dot.
func KindForPath(path string) (ScenarioKind, error) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", failure.Configf("scenario %q has no extension; supported extensions are %v", path, Extensions())
	}
	ext := path[i:]
	kind, ok := extensionKinds[ext]
	if !ok {
		return "", failure.Configf("unsupported extension %q provided; supported extensions are %v", ext, Extensions())
	}
	return kind, nil
}

// Priority is the scheduling class the runner drops to before launching the engine.
type Priority string

const (
	PriorityIdle        Priority = "idle"
	PriorityBelowNormal Priority = "below_normal"
	PriorityNormal      Priority = "normal"
	PriorityAboveNormal Priority = "above_normal"
	PriorityHigh        Priority = "high"
)

var priorityNice = map[Priority]int{
	PriorityIdle:        19,
	PriorityBelowNormal: 10,
	PriorityNormal:      0,
	PriorityAboveNormal: -5,
	PriorityHigh:        -10,
}

// OrDefault returns idle for the zero value.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityIdle
	}
	return p
}

// Nice returns the Unix niceness for the priority class.
func (p Priority) Nice() (int, error) {
	n, ok := priorityNice[p.OrDefault()]
	if !ok {
		return 0, fmt.Errorf("unknown priority %q", p)
	}
	return n, nil
}

// ScenarioDescriptor identifies one unit of engine work. It is passed by value
// into a runner and may cross a process boundary, hence the encoding tags.
type ScenarioDescriptor struct {
	ScenarioPath string   `json:"scenario_path" msgpack:"scenario_path" yaml:"scenario_path"`
	InputFile    string   `json:"input_file,omitempty" msgpack:"input_file" yaml:"input_file"`
	OutputFile   string   `json:"output_file,omitempty" msgpack:"output_file" yaml:"output_file"`
	ExtraArgs    []string `json:"extra_args,omitempty" msgpack:"extra_args" yaml:"extra_args"`
	Priority     Priority `json:"priority,omitempty" msgpack:"priority" yaml:"priority"`
	Debug        bool     `json:"debug,omitempty" msgpack:"debug" yaml:"debug"`
}

// Validate checks the descriptor without touching the filesystem.
func (d ScenarioDescriptor) Validate() error {
	if d.ScenarioPath == "" {
		return failure.Configf("scenario path is required")
	}
	if _, err := KindForPath(d.ScenarioPath); err != nil {
		return err
	}
	if _, err := d.Priority.Nice(); err != nil {
		return failure.Configf("%v", err)
	}
	return nil
}

// Kind returns the scenario kind; call Validate first.
func (d ScenarioDescriptor) Kind() ScenarioKind {
	k, _ := KindForPath(d.ScenarioPath)
	return k
}

// Name is the scenario file name without its scenario extension.
func (d ScenarioDescriptor) Name() string {
	return strings.TrimSuffix(filepath.Base(d.ScenarioPath), d.Kind().Extension())
}

// Args builds the engine argv: engine, scenario, then input, output and extra
// arguments, each only when set.
func (d ScenarioDescriptor) Args(engine string) []string {
	args := []string{engine, d.ScenarioPath}
	if d.InputFile != "" {
		args = append(args, d.InputFile)
	}
	if d.OutputFile != "" {
		args = append(args, d.OutputFile)
	}
	return append(args, d.ExtraArgs...)
}

// RetryPolicy names the failure categories worth retrying and how often.
type RetryPolicy struct {
	Categories []failure.Category `json:"categories,omitempty" msgpack:"categories" yaml:"categories"`
	MaxRetries int                `json:"max_retries,omitempty" msgpack:"max_retries" yaml:"max_retries"`
}

// Validate enforces the closed category set and that categories and count are
// set together or not at all.
func (r RetryPolicy) Validate() error {
	for _, c := range r.Categories {
		if !c.Valid() {
			return failure.Configf("retry category %q is not one of %v", c, failure.Categories())
		}
	}
	if r.MaxRetries < 0 {
		return failure.Configf("max retries must be >= 0, got %d", r.MaxRetries)
	}
	if (len(r.Categories) > 0) != (r.MaxRetries > 0) {
		return failure.Configf("retry categories and max retries must be set together")
	}
	return nil
}

// Covers reports whether failures of category c are retried.
func (r RetryPolicy) Covers(c failure.Category) bool {
	for _, rc := range r.Categories {
		if rc == c {
			return true
		}
	}
	return false
}
