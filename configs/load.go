package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/models"
)

// File is a dtrunner.yaml schedule file.
type File struct {
	Engine    string          `yaml:"engine"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// ScheduleEntry runs every scenario in Dir on a cron schedule.
type ScheduleEntry struct {
	Name     string          `yaml:"name"`
	Schedule string          `yaml:"schedule"`
	Dir      string          `yaml:"dir"`
	Priority models.Priority `yaml:"priority"`
	Debug    bool            `yaml:"debug"`
	Retry    RetryConfig     `yaml:"retry"`
	Timeout  Duration        `yaml:"timeout"`
}

type RetryConfig struct {
	Categories []string `yaml:"categories"`
	MaxRetries int      `yaml:"max_retries"`
}

// Policy converts the retry block, rejecting unknown category names.
func (r RetryConfig) Policy() (models.RetryPolicy, error) {
	policy := models.RetryPolicy{MaxRetries: r.MaxRetries}
	for _, name := range r.Categories {
		c, err := failure.ParseCategory(name)
		if err != nil {
			return models.RetryPolicy{}, failure.Configf("%v", err)
		}
		policy.Categories = append(policy.Categories, c)
	}
	if err := policy.Validate(); err != nil {
		return models.RetryPolicy{}, err
	}
	return policy, nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// LoadFile reads a YAML schedule file, expands environment variables and
// validates the entries.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Configf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &f); err != nil {
		return nil, failure.Configf("invalid YAML in %s: %v", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Schedules))
	for i, e := range f.Schedules {
		if e.Name == "" {
			return failure.Configf("schedule %d has no name", i)
		}
		if seen[e.Name] {
			return failure.Configf("duplicate schedule name %q", e.Name)
		}
		seen[e.Name] = true
		if e.Schedule == "" {
			return failure.Configf("schedule %q has no cron expression", e.Name)
		}
		if e.Dir == "" {
			return failure.Configf("schedule %q has no scenario directory", e.Name)
		}
		if _, err := e.Priority.Nice(); err != nil {
			return failure.Configf("schedule %q: %v", e.Name, err)
		}
		if _, err := e.Retry.Policy(); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	return nil
}

