// Package models defines the core data structures for the engagement engine.
//
// It includes subjects, sequence definitions, enrollments, step executions, and
// the audit log entry written after every scheduler invocation. Types here are
// shared across modules.
package models

import (
	"errors"
	"time"
)

// SubjectKind distinguishes patients from unconverted leads.
type SubjectKind string

const (
	// SubjectKindPatient is an established patient in the practice.
	SubjectKindPatient SubjectKind = "patient"
	// SubjectKindLead is an inquiry that has not converted yet.
	SubjectKindLead SubjectKind = "lead"
)

// SubjectStatus represents the CRM status of a subject.
type SubjectStatus string

const (
	// SubjectStatusActive indicates a subject in good standing.
	SubjectStatusActive SubjectStatus = "active"
	// SubjectStatusInactive indicates a subject marked inactive by the practice.
	SubjectStatusInactive SubjectStatus = "inactive"
	// SubjectStatusNew indicates a fresh, uncontacted lead.
	SubjectStatusNew SubjectStatus = "new"
	// SubjectStatusContacted indicates a lead that has been contacted but not converted.
	SubjectStatusContacted SubjectStatus = "contacted"
	// SubjectStatusConverted indicates a lead that booked an appointment.
	SubjectStatusConverted SubjectStatus = "converted"
)

// TriggerCategory identifies the eligibility rule that enrolls a subject.
type TriggerCategory string

const (
	// CategoryRecall targets active patients overdue for a routine visit.
	CategoryRecall TriggerCategory = "recall"
	// CategoryIncompleteTreatment targets patients with a stale pending treatment plan.
	CategoryIncompleteTreatment TriggerCategory = "incomplete_treatment"
	// CategoryMissedAppointment targets recent no-shows.
	CategoryMissedAppointment TriggerCategory = "missed_appointment"
	// CategoryLapsed targets patients who have not visited for an extended period.
	CategoryLapsed TriggerCategory = "lapsed"
	// CategoryNewLead targets fresh unconverted leads.
	CategoryNewLead TriggerCategory = "new_lead"
)

// AllCategories lists every trigger category in scan order.
var AllCategories = []TriggerCategory{
	CategoryRecall,
	CategoryIncompleteTreatment,
	CategoryMissedAppointment,
	CategoryLapsed,
	CategoryNewLead,
}

// IsValidTriggerCategory checks if the given category is supported.
func IsValidTriggerCategory(c TriggerCategory) bool {
	switch c {
	case CategoryRecall, CategoryIncompleteTreatment, CategoryMissedAppointment, CategoryLapsed, CategoryNewLead:
		return true
	default:
		return false
	}
}

// Channel identifies the outbound message channel for a step.
type Channel string

const (
	// ChannelSMS delivers via text message.
	ChannelSMS Channel = "sms"
	// ChannelEmail delivers via email.
	ChannelEmail Channel = "email"
)

// RetryPolicy controls what the scheduler does with a rejected or failed step.
type RetryPolicy string

const (
	// RetrySkip advances past a terminal step without regenerating it.
	RetrySkip RetryPolicy = "skip"
	// RetryNextCycle supersedes the terminal execution and claims a fresh one
	// on a later scheduler pass.
	RetryNextCycle RetryPolicy = "retry_next_cycle"
)

// Error variables shared across the engine.
var (
	ErrMissingContact     = errors.New("subject has no contact address for the step channel")
	ErrUnknownTemplate    = errors.New("no template registered for key and no generator configured")
	ErrInvalidTransition  = errors.New("invalid step execution status transition")
	ErrSequenceUndefined  = errors.New("no sequence definition for trigger category")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrStepNotFound       = errors.New("step execution not found")
)

// Subject is a patient or lead tracked by the engine. The surrounding CRM owns
// the record; the engine reads it and writes only derived enrollment state.
type Subject struct {
	ID               string        `json:"id"`
	Kind             SubjectKind   `json:"kind"`
	FirstName        string        `json:"first_name"`
	LastName         string        `json:"last_name,omitempty"`
	Phone            string        `json:"phone,omitempty"`
	Email            string        `json:"email,omitempty"`
	Status           SubjectStatus `json:"status"`
	OptedOut         bool          `json:"opted_out"`
	LastVisit        *time.Time    `json:"last_visit,omitempty"`
	TreatmentPending *time.Time    `json:"treatment_pending_since,omitempty"`
	LastNoShowAt     *time.Time    `json:"last_no_show_at,omitempty"`
	UpcomingBooked   bool          `json:"upcoming_booked"`
	CreatedAt        time.Time     `json:"created_at"`
}

// StepDefinition describes one step of a sequence template.
type StepDefinition struct {
	Offset      time.Duration `json:"offset"`       // delay from the previous step (or enrollment)
	Channel     Channel       `json:"channel"`
	TemplateKey string        `json:"template_key"`
	Terminal    bool          `json:"terminal"`
}

// SequenceDefinition is an immutable, versioned campaign template.
type SequenceDefinition struct {
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	Category TriggerCategory  `json:"category"`
	Steps    []StepDefinition `json:"steps"`
	Retry    RetryPolicy      `json:"retry"`
}

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	// EnrollmentStatusActive indicates the enrollment is progressing through steps.
	EnrollmentStatusActive EnrollmentStatus = "active"
	// EnrollmentStatusCompleted indicates the final step was claimed.
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	// EnrollmentStatusCancelled indicates a manual or conversion-independent cancellation.
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
	// EnrollmentStatusOptedOut indicates the subject opted out mid-sequence.
	EnrollmentStatusOptedOut EnrollmentStatus = "opted_out"
	// EnrollmentStatusConverted indicates the subject booked or converted mid-sequence.
	EnrollmentStatusConverted EnrollmentStatus = "converted"
)

// Enrollment is one subject's run through one sequence definition.
type Enrollment struct {
	ID               string           `json:"id"`
	SubjectID        string           `json:"subject_id"`
	SequenceName     string           `json:"sequence_name"`
	SequenceVersion  int              `json:"sequence_version"`
	Category         TriggerCategory  `json:"category"`
	TriggerReason    string           `json:"trigger_reason,omitempty"`
	Status           EnrollmentStatus `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	LastAdvancedAt   *time.Time       `json:"last_advanced_at,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// StepStatus represents the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusDue               StepStatus = "due"
	StepStatusDrafted           StepStatus = "drafted"
	StepStatusQueuedForApproval StepStatus = "queued_for_approval"
	StepStatusApproved          StepStatus = "approved"
	StepStatusRejected          StepStatus = "rejected"
	StepStatusSent              StepStatus = "sent"
	StepStatusSkipped           StepStatus = "skipped"
	StepStatusFailed            StepStatus = "failed"
	StepStatusExpired           StepStatus = "expired"
)

// stepTransitions encodes the single-directional status graph. A send can only
// happen after human approval; nothing leaves a terminal state.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:           {StepStatusDue, StepStatusSkipped},
	StepStatusDue:               {StepStatusDrafted, StepStatusFailed, StepStatusSkipped},
	StepStatusDrafted:           {StepStatusQueuedForApproval, StepStatusFailed},
	StepStatusQueuedForApproval: {StepStatusApproved, StepStatusRejected, StepStatusExpired},
	StepStatusApproved:          {StepStatusSent, StepStatusFailed},
}

// CanTransitionStep reports whether from -> to is a legal step status transition.
func CanTransitionStep(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStepStatus reports whether a status admits no further transitions.
func IsTerminalStepStatus(s StepStatus) bool {
	return len(stepTransitions[s]) == 0
}

// StepExecution is one concrete, timed instance of a sequence step for an
// enrollment. Immutable once sent or skipped; a rejected or failed execution is
// superseded by a fresh row rather than reused.
type StepExecution struct {
	ID           string          `json:"id"`
	EnrollmentID string          `json:"enrollment_id"`
	SubjectID    string          `json:"subject_id"`
	StepIndex    int             `json:"step_index"`
	Category     TriggerCategory `json:"category"`
	Channel      Channel         `json:"channel"`
	TemplateKey  string          `json:"template_key,omitempty"`
	Status       StepStatus      `json:"status"`
	Body         string          `json:"body,omitempty"`
	Provenance   string          `json:"provenance,omitempty"` // "template" or "generated"
	ErrorMsg     string          `json:"error,omitempty"`
	Superseded   bool            `json:"superseded"`
	DueAt        time.Time       `json:"due_at"`
	QueuedAt     *time.Time      `json:"queued_at,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExecutionLogEntry is the append-only audit record of one engine invocation.
type ExecutionLogEntry struct {
	ID             string                  `json:"id"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	Scanned        int                     `json:"scanned"`
	NewlyEnrolled  int                     `json:"newly_enrolled"`
	StepsProcessed int                     `json:"steps_processed"`
	StepsCompleted int                     `json:"steps_completed"`
	Expired        int                     `json:"expired"`
	Errors         []string                `json:"errors,omitempty"`
	ByCategory     map[TriggerCategory]int `json:"by_category,omitempty"`
}

// DraftMessage is the output of the drafting service for one step execution.
type DraftMessage struct {
	SubjectID   string  `json:"subject_id"`
	Channel     Channel `json:"channel"`
	To          string  `json:"to"`
	TemplateKey string  `json:"template_key,omitempty"`
	Body        string  `json:"body"`
	Generated   bool    `json:"generated"` // true when produced by the GenAI fallback
}

// RunSummary is the JSON summary returned to the trigger caller.
type RunSummary struct {
	Enrolled   int                     `json:"enrolled"`
	Processed  int                     `json:"processed"`
	Completed  int                     `json:"completed"`
	Expired    int                     `json:"expired"`
	Errors     int                     `json:"errors"`
	Categories map[TriggerCategory]int `json:"categories,omitempty"`
}
