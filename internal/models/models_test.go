package models

import "testing"

func TestCanTransitionStep(t *testing.T) {
	cases := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepStatusPending, StepStatusDue, true},
		{StepStatusDue, StepStatusDrafted, true},
		{StepStatusDrafted, StepStatusQueuedForApproval, true},
		{StepStatusQueuedForApproval, StepStatusApproved, true},
		{StepStatusQueuedForApproval, StepStatusRejected, true},
		{StepStatusQueuedForApproval, StepStatusExpired, true},
		{StepStatusApproved, StepStatusSent, true},
		{StepStatusApproved, StepStatusFailed, true},
		// Sends must pass through the approval gate.
		{StepStatusDue, StepStatusSent, false},
		{StepStatusDrafted, StepStatusSent, false},
		{StepStatusQueuedForApproval, StepStatusSent, false},
		// Terminal states admit nothing.
		{StepStatusSent, StepStatusDue, false},
		{StepStatusRejected, StepStatusApproved, false},
		{StepStatusExpired, StepStatusQueuedForApproval, false},
		{StepStatusFailed, StepStatusDue, false},
		{StepStatusSkipped, StepStatusDue, false},
	}
	for _, c := range cases {
		if got := CanTransitionStep(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionStep(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSentRequiresApprovalPath(t *testing.T) {
	// The only way to reach "sent" is via approved, and the only way to reach
	// approved is via queued_for_approval.
	for from := range map[StepStatus]bool{
		StepStatusPending: true, StepStatusDue: true, StepStatusDrafted: true,
		StepStatusQueuedForApproval: true, StepStatusApproved: true,
	} {
		if CanTransitionStep(from, StepStatusSent) && from != StepStatusApproved {
			t.Errorf("status %s must not transition directly to sent", from)
		}
		if CanTransitionStep(from, StepStatusApproved) && from != StepStatusQueuedForApproval {
			t.Errorf("status %s must not transition directly to approved", from)
		}
	}
}

func TestIsTerminalStepStatus(t *testing.T) {
	terminal := []StepStatus{StepStatusSent, StepStatusSkipped, StepStatusRejected, StepStatusFailed, StepStatusExpired}
	for _, s := range terminal {
		if !IsTerminalStepStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []StepStatus{StepStatusPending, StepStatusDue, StepStatusDrafted, StepStatusQueuedForApproval, StepStatusApproved} {
		if IsTerminalStepStatus(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestIsValidTriggerCategory(t *testing.T) {
	for _, c := range AllCategories {
		if !IsValidTriggerCategory(c) {
			t.Errorf("expected %s to be valid", c)
		}
	}
	if IsValidTriggerCategory("holiday_card") {
		t.Error("expected unknown category to be invalid")
	}
}
