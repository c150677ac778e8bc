package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dtrunner/pkg/failure"
)

// Outcome of a terminal invocation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeFatal   Outcome = "fatal"
)

// InvocationResult is produced once per Run, after the last attempt.
type InvocationResult struct {
	ID            uuid.UUID        `json:"id" msgpack:"id"`
	Scenario      string           `json:"scenario" msgpack:"scenario"`
	Kind          ScenarioKind     `json:"kind" msgpack:"kind"`
	Outcome       Outcome          `json:"outcome" msgpack:"outcome"`
	Category      failure.Category `json:"category,omitempty" msgpack:"category"`
	Diagnostic    string           `json:"diagnostic,omitempty" msgpack:"diagnostic"`
	DiagnosticRef string           `json:"diagnostic_ref,omitempty" msgpack:"diagnostic_ref"`
	Retries       int              `json:"retries" msgpack:"retries"`
	Attempts      int              `json:"attempts" msgpack:"attempts"`
	ExitCode      int              `json:"exit_code" msgpack:"exit_code"`
	PID           int              `json:"pid,omitempty" msgpack:"pid"`
	StartedAt     time.Time        `json:"started_at" msgpack:"started_at"`
	Duration      time.Duration    `json:"duration" msgpack:"duration"`
}

// Succeeded reports a clean engine exit.
func (r InvocationResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// JSONB structures need to implement Scanner/Valuer for GORM

func (d *ScenarioDescriptor) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

func (d ScenarioDescriptor) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// RunRecord is the persisted form of an InvocationResult.
type RunRecord struct {
	ID            uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	Scenario      string             `json:"scenario" gorm:"not null;index"`
	Kind          ScenarioKind       `json:"kind" gorm:"type:varchar(32);not null"`
	Descriptor    ScenarioDescriptor `json:"descriptor" gorm:"type:jsonb"`
	Outcome       Outcome            `json:"outcome" gorm:"type:varchar(20);index"`
	Category      failure.Category   `json:"category,omitempty" gorm:"type:varchar(32)"`
	Error         string             `json:"error,omitempty"`
	DiagnosticRef string             `json:"diagnostic_ref,omitempty"`
	Retries       int                `json:"retries"`
	Attempts      int                `json:"attempts"`
	ExitCode      int                `json:"exit_code"`
	StartedAt     time.Time          `json:"started_at" gorm:"index"`
	DurationMs    int64              `json:"duration_ms"`
	CreatedAt     time.Time          `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not present
func (r *RunRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// NewRunRecord flattens a result and the error that ended the run, if any.
func NewRunRecord(desc ScenarioDescriptor, res InvocationResult, runErr error) *RunRecord {
	rec := &RunRecord{
		ID:            res.ID,
		Scenario:      res.Scenario,
		Kind:          res.Kind,
		Descriptor:    desc,
		Outcome:       res.Outcome,
		Category:      res.Category,
		DiagnosticRef: res.DiagnosticRef,
		Retries:       res.Retries,
		Attempts:      res.Attempts,
		ExitCode:      res.ExitCode,
		StartedAt:     res.StartedAt,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if rec.Scenario == "" {
		rec.Scenario = desc.Name()
	}
	if rec.Kind == "" {
		rec.Kind = desc.Kind()
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		if rec.Outcome == "" || rec.Outcome == OutcomeSuccess {
			rec.Outcome = OutcomeFailed
		}
	}
	return rec
}
