// Package enrollment creates sequence enrollments idempotently.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
	"github.com/practiceos/engage/internal/util"
)

// Service enrolls subjects into sequences. Enrollment is an atomic
// insert-if-absent: for a given (subject, category), at most one active
// enrollment exists no matter how many invocations race.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates an enrollment Service backed by the given store.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// Enroll enrolls the subject into the sequence definition. When an active
// enrollment for the same (subject, category) already exists, it returns
// (nil, true, nil) and changes nothing.
func (s *Service) Enroll(ctx context.Context, subjectID string, def models.SequenceDefinition, reason string) (*models.Enrollment, bool, error) {
	if len(def.Steps) == 0 {
		return nil, false, fmt.Errorf("sequence %s has no steps: %w", def.Name, models.ErrSequenceUndefined)
	}

	e := models.Enrollment{
		ID:              util.GenerateEnrollmentID(),
		SubjectID:       subjectID,
		SequenceName:    def.Name,
		SequenceVersion: def.Version,
		Category:        def.Category,
		TriggerReason:   reason,
		Status:          models.EnrollmentStatusActive,
		EnrolledAt:      s.now(),
	}

	created, err := s.st.CreateEnrollmentIfAbsent(e)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enroll subject %s in %s: %w", subjectID, def.Name, err)
	}
	if !created {
		slog.Debug("Service.Enroll duplicate suppressed", "subjectID", subjectID, "category", def.Category)
		return nil, true, nil
	}
	slog.Info("Service.Enroll enrolled subject", "subjectID", subjectID, "sequence", def.Name, "category", def.Category, "reason", reason)
	return &e, false, nil
}
