package storage

import (
	"context"
	"errors"

	"dtrunner/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// RunFilter narrows a run history query. Zero values mean "any".
type RunFilter struct {
	Scenario string
	Outcome  models.Outcome
	Limit    int
	Offset   int
}

// DefaultListLimit caps history queries that do not set a limit.
const DefaultListLimit = 50

// RunStore defines the data access layer for invocation history.
type RunStore interface {
	// CreateRun persists a finished invocation.
	CreateRun(ctx context.Context, run *models.RunRecord) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*models.RunRecord, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]models.RunRecord, error)
}

// DiagnosticStore archives the engine's captured stderr for failed attempts.
type DiagnosticStore interface {
	// Store saves one attempt's diagnostic text and returns a reference path/URL.
	Store(ctx context.Context, invocationID string, attempt int, diagnostic []byte) (string, error)
	// Retrieve fetches a diagnostic by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}
