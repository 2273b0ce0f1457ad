// Package store provides storage backends for the engagement engine.
//
// All cross-invocation mutation goes through narrow conditional operations
// (insert-if-absent, update-if-status-matches) scoped to a single row, so
// overlapping scheduler invocations converge without a global lock. Backends:
// in-memory (tests), SQLite, and PostgreSQL.
package store

import (
	"strings"
	"time"

	"github.com/practiceos/engage/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// StepUpdate carries the optional fields written alongside a step status
// transition. Empty fields are left unchanged.
type StepUpdate struct {
	Body       string
	Provenance string
	ErrorMsg   string
}

// Store is the durable state shared across engine invocations.
type Store interface {
	// Subjects. The CRM owns these records; the engine reads them. Writes
	// exist for seeding and tests.
	SaveSubject(s models.Subject) error
	GetSubject(id string) (*models.Subject, error)
	ListSubjects() ([]models.Subject, error)

	// CreateEnrollmentIfAbsent atomically inserts the enrollment unless an
	// active enrollment for the same (subject, category) already exists.
	// Returns false on duplicate without modifying anything.
	CreateEnrollmentIfAbsent(e models.Enrollment) (bool, error)
	GetEnrollment(id string) (*models.Enrollment, error)
	ListActiveEnrollments() ([]models.Enrollment, error)

	// AdvanceEnrollment moves current_step_index from fromIndex to fromIndex+1
	// iff the enrollment is active and still at fromIndex. Returns false when
	// the guard does not match (another invocation advanced first).
	AdvanceEnrollment(id string, fromIndex int, at time.Time) (bool, error)

	// ResolveEnrollment transitions the enrollment status iff it currently has
	// status from. Returns false when the guard does not match.
	ResolveEnrollment(id string, from, to models.EnrollmentStatus, at time.Time) (bool, error)

	// ClaimStepExecution inserts the execution unless a non-superseded
	// execution for the same (enrollment, step index) exists. Returns false
	// when the claim loses the race; the caller treats that as a benign no-op.
	ClaimStepExecution(se models.StepExecution) (bool, error)
	GetStepExecution(id string) (*models.StepExecution, error)

	// OpenStepExecution returns the non-superseded execution for the given
	// (enrollment, step index), or nil when none exists.
	OpenStepExecution(enrollmentID string, stepIndex int) (*models.StepExecution, error)
	ListStepExecutionsByStatus(status models.StepStatus) ([]models.StepExecution, error)

	// TransitionStepExecution moves the execution from one status to another
	// iff it currently has status from and the transition is legal. Returns
	// false when the status guard does not match.
	TransitionStepExecution(id string, from, to models.StepStatus, upd StepUpdate, at time.Time) (bool, error)

	// SupersedeStepExecution marks a terminal execution as superseded, freeing
	// the (enrollment, step index) claim slot for a regenerated execution.
	SupersedeStepExecution(id string) (bool, error)

	// ExpireQueuedBefore moves executions queued for approval before cutoff to
	// expired and returns how many were moved.
	ExpireQueuedBefore(cutoff, at time.Time) (int, error)

	// AppendExecutionLog appends one immutable audit entry per invocation.
	AppendExecutionLog(entry models.ExecutionLogEntry) error
	ListExecutionLogs(limit int) ([]models.ExecutionLogEntry, error)

	Close() error
}
