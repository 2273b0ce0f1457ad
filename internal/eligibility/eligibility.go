// Package eligibility classifies the subject population into campaign trigger
// categories.
//
// Each category is a named predicate over subject signals. The scan is a pure
// read: it never mutates subject or enrollment state, and its output is
// deterministic for a fixed snapshot and time. Thresholds are configuration; a
// category with a zero threshold is disabled.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

// Config holds the per-category thresholds. All values are operator-supplied;
// the engine ships no default day counts.
type Config struct {
	// RecallAfterDays enrolls active patients whose last completed visit is
	// older than this many days.
	RecallAfterDays int
	// TreatmentPlanAgeDays enrolls patients whose treatment plan has been
	// pending for longer than this many days.
	TreatmentPlanAgeDays int
	// MissedAppointmentWindowDays enrolls patients who no-showed within the
	// last this many days.
	MissedAppointmentWindowDays int
	// LapsedAfterDays enrolls patients whose last visit is older than this
	// many days (or who are marked inactive with a visit on record).
	LapsedAfterDays int
	// NewLeadWindowDays enrolls leads created within the last this many days.
	NewLeadWindowDays int
}

// Candidate is a subject that satisfies a category predicate.
type Candidate struct {
	SubjectID string
	Reason    string
}

// Scanner evaluates eligibility predicates against the subject snapshot.
type Scanner struct {
	st  store.Store
	cfg Config
}

// NewScanner creates a Scanner over the given store and threshold config.
func NewScanner(st store.Store, cfg Config) *Scanner {
	return &Scanner{st: st, cfg: cfg}
}

// Scan returns the subjects that satisfy the category's predicate at now.
// Subjects who opted out, already have an appointment booked, or hold an
// active enrollment in the category are excluded.
func (s *Scanner) Scan(ctx context.Context, now time.Time, category models.TriggerCategory) ([]Candidate, error) {
	if !models.IsValidTriggerCategory(category) {
		return nil, fmt.Errorf("unknown trigger category %q", category)
	}

	subjects, err := s.st.ListSubjects()
	if err != nil {
		return nil, fmt.Errorf("eligibility scan: %w", err)
	}

	enrolled, err := s.activeEnrollmentSet(category)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, sub := range subjects {
		// A subject with an upcoming booking would be resolved converted at the
		// first due step anyway; never enroll them to begin with.
		if sub.OptedOut || sub.UpcomingBooked || enrolled[sub.ID] {
			continue
		}
		reason, ok := s.matches(now, category, sub)
		if !ok {
			continue
		}
		out = append(out, Candidate{SubjectID: sub.ID, Reason: reason})
	}
	slog.Debug("Scanner.Scan complete", "category", category, "candidates", len(out), "subjects", len(subjects))
	return out, nil
}

// activeEnrollmentSet builds the set of subject IDs with an active enrollment
// in the category.
func (s *Scanner) activeEnrollmentSet(category models.TriggerCategory) (map[string]bool, error) {
	active, err := s.st.ListActiveEnrollments()
	if err != nil {
		return nil, fmt.Errorf("eligibility scan enrollments: %w", err)
	}
	set := make(map[string]bool, len(active))
	for _, e := range active {
		if e.Category == category {
			set[e.SubjectID] = true
		}
	}
	return set, nil
}

// matches applies the category predicate to one subject. The returned reason
// becomes the enrollment's trigger_reason.
func (s *Scanner) matches(now time.Time, category models.TriggerCategory, sub models.Subject) (string, bool) {
	switch category {
	case models.CategoryRecall:
		if s.cfg.RecallAfterDays <= 0 {
			return "", false
		}
		if sub.Kind != models.SubjectKindPatient || sub.Status != models.SubjectStatusActive {
			return "", false
		}
		cutoff := now.AddDate(0, 0, -s.cfg.RecallAfterDays)
		if sub.LastVisit != nil && sub.LastVisit.Before(cutoff) {
			return fmt.Sprintf("no completed visit since %s", sub.LastVisit.Format("2006-01-02")), true
		}

	case models.CategoryIncompleteTreatment:
		if s.cfg.TreatmentPlanAgeDays <= 0 {
			return "", false
		}
		if sub.Kind != models.SubjectKindPatient || sub.TreatmentPending == nil {
			return "", false
		}
		cutoff := now.AddDate(0, 0, -s.cfg.TreatmentPlanAgeDays)
		if sub.TreatmentPending.Before(cutoff) {
			return fmt.Sprintf("treatment plan pending since %s", sub.TreatmentPending.Format("2006-01-02")), true
		}

	case models.CategoryMissedAppointment:
		if s.cfg.MissedAppointmentWindowDays <= 0 {
			return "", false
		}
		if sub.Kind != models.SubjectKindPatient || sub.LastNoShowAt == nil {
			return "", false
		}
		cutoff := now.AddDate(0, 0, -s.cfg.MissedAppointmentWindowDays)
		if sub.LastNoShowAt.After(cutoff) {
			return fmt.Sprintf("no-show on %s", sub.LastNoShowAt.Format("2006-01-02")), true
		}

	case models.CategoryLapsed:
		if s.cfg.LapsedAfterDays <= 0 {
			return "", false
		}
		if sub.Kind != models.SubjectKindPatient || sub.LastVisit == nil {
			return "", false
		}
		cutoff := now.AddDate(0, 0, -s.cfg.LapsedAfterDays)
		if sub.LastVisit.Before(cutoff) {
			return fmt.Sprintf("lapsed, last visit %s", sub.LastVisit.Format("2006-01-02")), true
		}

	case models.CategoryNewLead:
		if s.cfg.NewLeadWindowDays <= 0 {
			return "", false
		}
		if sub.Kind != models.SubjectKindLead {
			return "", false
		}
		if sub.Status != models.SubjectStatusNew && sub.Status != models.SubjectStatusContacted {
			return "", false
		}
		cutoff := now.AddDate(0, 0, -s.cfg.NewLeadWindowDays)
		if sub.CreatedAt.After(cutoff) {
			return "new lead inquiry", true
		}
	}
	return "", false
}
