package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
	"github.com/practiceos/engage/internal/util"
)

// Scheduler walks active enrollments and claims step executions whose due time
// has passed. All writes are conditional, so overlapping invocations settle on
// one claim per (enrollment, step) and one advance per index. A lost claim or
// advance is a benign no-op, not an error.
//
// The claim is written before the enrollment index moves. If an invocation
// dies in between, the next one finds the open execution at the current index
// and advances without claiming a second time.
type Scheduler struct {
	st       store.Store
	registry *Registry
}

// Result summarizes one ProcessDue pass.
type Result struct {
	// Claimed holds the executions created this pass, in claim order.
	Claimed []models.StepExecution
	// Completed counts enrollments that claimed their final step.
	Completed int
	// Cancelled counts enrollments resolved because the subject opted out or
	// converted before a due step went out.
	Cancelled int
	// Errors holds per-enrollment failures; one bad enrollment never stops
	// the pass.
	Errors []string
}

// NewScheduler creates a Scheduler over the given store and registry.
func NewScheduler(st store.Store, registry *Registry) *Scheduler {
	return &Scheduler{st: st, registry: registry}
}

// ProcessDue advances every active enrollment whose next step is due at now,
// then regenerates rejected or failed executions for sequences with a
// retry-next-cycle policy.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	active, err := s.st.ListActiveEnrollments()
	if err != nil {
		return res, fmt.Errorf("failed to list active enrollments: %w", err)
	}

	for _, e := range active {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.processEnrollment(ctx, now, e, &res); err != nil {
			slog.Error("Scheduler.ProcessDue enrollment failed", "enrollmentID", e.ID, "subjectID", e.SubjectID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("enrollment %s: %v", e.ID, err))
		}
	}

	if err := s.regenerateRetries(ctx, now, &res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("retry pass: %v", err))
	}

	slog.Info("Scheduler.ProcessDue complete", "claimed", len(res.Claimed), "completed", res.Completed, "cancelled", res.Cancelled, "errors", len(res.Errors))
	return res, nil
}

// processEnrollment handles one active enrollment: recover a half-finished
// claim, check cancellation signals, and claim the next step when due.
func (s *Scheduler) processEnrollment(ctx context.Context, now time.Time, e models.Enrollment, res *Result) error {
	def, err := s.registry.Get(e.SequenceName, e.SequenceVersion)
	if err != nil {
		return err
	}

	idx := e.CurrentStepIndex
	if idx >= len(def.Steps) {
		// The final step was claimed but the completion write was lost.
		if ok, err := s.st.ResolveEnrollment(e.ID, models.EnrollmentStatusActive, models.EnrollmentStatusCompleted, now); err != nil {
			return err
		} else if ok {
			res.Completed++
		}
		return nil
	}

	// Recover a claim whose index advance was lost: the open execution at the
	// current index already exists, so only the advance is replayed.
	open, err := s.st.OpenStepExecution(e.ID, idx)
	if err != nil {
		return err
	}
	if open != nil {
		return s.advancePastClaim(e, def, idx, now, res)
	}

	step := def.Steps[idx]
	base := e.EnrolledAt
	if e.LastAdvancedAt != nil {
		base = *e.LastAdvancedAt
	}
	dueAt := base.Add(step.Offset)
	if now.Before(dueAt) {
		return nil
	}

	// Cancellation signals are checked only once a step is actually due, so an
	// opt-out or booking between steps stops the sequence before anything is
	// drafted.
	cancelled, err := s.cancelIfResolved(e, now)
	if err != nil {
		return err
	}
	if cancelled {
		res.Cancelled++
		return nil
	}

	se := models.StepExecution{
		ID:           util.GenerateStepExecutionID(),
		EnrollmentID: e.ID,
		SubjectID:    e.SubjectID,
		StepIndex:    idx,
		Category:     e.Category,
		Channel:      step.Channel,
		TemplateKey:  step.TemplateKey,
		Status:       models.StepStatusDue,
		DueAt:        dueAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	claimed, err := s.st.ClaimStepExecution(se)
	if err != nil {
		return err
	}
	if !claimed {
		// Another invocation claimed this step; it owns the advance too.
		slog.Debug("Scheduler.processEnrollment claim lost", "enrollmentID", e.ID, "stepIndex", idx)
		return nil
	}

	res.Claimed = append(res.Claimed, se)
	return s.advancePastClaim(e, def, idx, now, res)
}

// advancePastClaim moves the enrollment index past a claimed step and resolves
// the enrollment when that step was the last one.
func (s *Scheduler) advancePastClaim(e models.Enrollment, def models.SequenceDefinition, idx int, now time.Time, res *Result) error {
	advanced, err := s.st.AdvanceEnrollment(e.ID, idx, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	if idx == len(def.Steps)-1 {
		ok, err := s.st.ResolveEnrollment(e.ID, models.EnrollmentStatusActive, models.EnrollmentStatusCompleted, now)
		if err != nil {
			return err
		}
		if ok {
			res.Completed++
		}
	}
	return nil
}

// cancelIfResolved resolves the enrollment when the subject has opted out or
// already booked, and reports whether it did.
func (s *Scheduler) cancelIfResolved(e models.Enrollment, now time.Time) (bool, error) {
	sub, err := s.st.GetSubject(e.SubjectID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		// Subject removed from the CRM; stop messaging them.
		return s.st.ResolveEnrollment(e.ID, models.EnrollmentStatusActive, models.EnrollmentStatusCancelled, now)
	}

	target := models.EnrollmentStatus("")
	switch {
	case sub.OptedOut:
		target = models.EnrollmentStatusOptedOut
	case sub.UpcomingBooked || sub.Status == models.SubjectStatusConverted:
		target = models.EnrollmentStatusConverted
	default:
		return false, nil
	}

	ok, err := s.st.ResolveEnrollment(e.ID, models.EnrollmentStatusActive, target, now)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("Scheduler.cancelIfResolved stopped enrollment", "enrollmentID", e.ID, "subjectID", e.SubjectID, "status", target)
	}
	return ok, nil
}

// regenerateRetries supersedes rejected and failed executions for sequences
// with a retry-next-cycle policy and claims fresh ones due immediately.
func (s *Scheduler) regenerateRetries(ctx context.Context, now time.Time, res *Result) error {
	for _, status := range []models.StepStatus{models.StepStatusRejected, models.StepStatusFailed} {
		stale, err := s.st.ListStepExecutionsByStatus(status)
		if err != nil {
			return err
		}
		for _, se := range stale {
			if err := ctx.Err(); err != nil {
				return err
			}
			if se.Superseded {
				continue
			}
			if err := s.retryExecution(se, now, res); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("retry %s: %v", se.ID, err))
			}
		}
	}
	return nil
}

func (s *Scheduler) retryExecution(se models.StepExecution, now time.Time, res *Result) error {
	e, err := s.st.GetEnrollment(se.EnrollmentID)
	if err != nil {
		return err
	}
	if e == nil {
		return models.ErrEnrollmentNotFound
	}
	switch e.Status {
	case models.EnrollmentStatusCancelled, models.EnrollmentStatusOptedOut, models.EnrollmentStatusConverted:
		return nil
	}

	def, err := s.registry.Get(e.SequenceName, e.SequenceVersion)
	if err != nil {
		return err
	}
	if def.Retry != models.RetryNextCycle {
		return nil
	}

	sub, err := s.st.GetSubject(se.SubjectID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if sub.OptedOut || sub.UpcomingBooked || sub.Status == models.SubjectStatusConverted {
		return nil
	}

	ok, err := s.st.SupersedeStepExecution(se.ID)
	if err != nil || !ok {
		return err
	}

	fresh := models.StepExecution{
		ID:           util.GenerateStepExecutionID(),
		EnrollmentID: se.EnrollmentID,
		SubjectID:    se.SubjectID,
		StepIndex:    se.StepIndex,
		Category:     se.Category,
		Channel:      se.Channel,
		TemplateKey:  se.TemplateKey,
		Status:       models.StepStatusDue,
		DueAt:        now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	claimed, err := s.st.ClaimStepExecution(fresh)
	if err != nil {
		return err
	}
	if claimed {
		slog.Info("Scheduler.retryExecution regenerated step", "enrollmentID", se.EnrollmentID, "stepIndex", se.StepIndex, "supersededID", se.ID)
		res.Claimed = append(res.Claimed, fresh)
	}
	return nil
}
