package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/practiceos/engage/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for nil or zero times, used for nullable columns.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// checkTransition validates a step status transition before the guarded
// update runs, so illegal transitions surface as errors rather than silent
// no-ops.
func checkTransition(from, to models.StepStatus) error {
	if !models.CanTransitionStep(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSubject scans a Subject from a row with the canonical column order.
func scanSubject(r rowScanner) (models.Subject, error) {
	var s models.Subject
	var lastName, phone, email sql.NullString
	var lastVisit, treatmentPending, lastNoShow sql.NullTime
	err := r.Scan(
		&s.ID, &s.Kind, &s.FirstName, &lastName, &phone, &email, &s.Status,
		&s.OptedOut, &lastVisit, &treatmentPending, &lastNoShow, &s.UpcomingBooked, &s.CreatedAt,
	)
	if err != nil {
		return s, err
	}
	s.LastName = lastName.String
	s.Phone = phone.String
	s.Email = email.String
	if lastVisit.Valid {
		s.LastVisit = &lastVisit.Time
	}
	if treatmentPending.Valid {
		s.TreatmentPending = &treatmentPending.Time
	}
	if lastNoShow.Valid {
		s.LastNoShowAt = &lastNoShow.Time
	}
	return s, nil
}

// scanEnrollment scans an Enrollment from a row with the canonical column order.
func scanEnrollment(r rowScanner) (models.Enrollment, error) {
	var e models.Enrollment
	var reason sql.NullString
	var lastAdvanced, resolved sql.NullTime
	err := r.Scan(
		&e.ID, &e.SubjectID, &e.SequenceName, &e.SequenceVersion, &e.Category,
		&reason, &e.Status, &e.CurrentStepIndex, &e.EnrolledAt, &lastAdvanced, &resolved,
	)
	if err != nil {
		return e, err
	}
	e.TriggerReason = reason.String
	if lastAdvanced.Valid {
		e.LastAdvancedAt = &lastAdvanced.Time
	}
	if resolved.Valid {
		e.ResolvedAt = &resolved.Time
	}
	return e, nil
}

// scanStepExecution scans a StepExecution from a row with the canonical column order.
func scanStepExecution(r rowScanner) (models.StepExecution, error) {
	var se models.StepExecution
	var templateKey, body, provenance, errMsg sql.NullString
	var queuedAt, resolvedAt sql.NullTime
	err := r.Scan(
		&se.ID, &se.EnrollmentID, &se.SubjectID, &se.StepIndex, &se.Category,
		&se.Channel, &templateKey, &se.Status, &body, &provenance, &errMsg,
		&se.Superseded, &se.DueAt, &queuedAt, &resolvedAt, &se.CreatedAt, &se.UpdatedAt,
	)
	if err != nil {
		return se, err
	}
	se.TemplateKey = templateKey.String
	se.Body = body.String
	se.Provenance = provenance.String
	se.ErrorMsg = errMsg.String
	if queuedAt.Valid {
		se.QueuedAt = &queuedAt.Time
	}
	if resolvedAt.Valid {
		se.ResolvedAt = &resolvedAt.Time
	}
	return se, nil
}
