package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

func newTestStore(t *testing.T, sub models.Subject) store.Store {
	t.Helper()
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(sub); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	return s
}

func testSubject(id string) models.Subject {
	return models.Subject{
		ID:        id,
		Kind:      models.SubjectKindPatient,
		FirstName: "Pat",
		Phone:     "+15551230000",
		Status:    models.SubjectStatusActive,
		CreatedAt: time.Now().AddDate(-1, 0, 0),
	}
}

func enroll(t *testing.T, s store.Store, id, subjectID string, def models.SequenceDefinition, at time.Time) {
	t.Helper()
	e := models.Enrollment{
		ID:              id,
		SubjectID:       subjectID,
		SequenceName:    def.Name,
		SequenceVersion: def.Version,
		Category:        def.Category,
		Status:          models.EnrollmentStatusActive,
		EnrolledAt:      at,
	}
	created, err := s.CreateEnrollmentIfAbsent(e)
	if err != nil || !created {
		t.Fatalf("enroll failed: created=%v err=%v", created, err)
	}
}

func recallDef(t *testing.T, r *Registry) models.SequenceDefinition {
	t.Helper()
	def, err := r.ForCategory(models.CategoryRecall)
	if err != nil {
		t.Fatalf("ForCategory: %v", err)
	}
	return def
}

func TestProcessDueClaimsFirstStepImmediately(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-time.Minute))

	sched := NewScheduler(s, r)
	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected one claimed step, got %d", len(res.Claimed))
	}
	if res.Claimed[0].StepIndex != 0 || res.Claimed[0].Status != models.StepStatusDue {
		t.Errorf("unexpected claim: %+v", res.Claimed[0])
	}

	e, err := s.GetEnrollment("e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.CurrentStepIndex != 1 {
		t.Errorf("expected index 1 after claim, got %d", e.CurrentStepIndex)
	}
}

func TestProcessDueOverlapClaimsOnce(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	res1, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res2, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res1.Claimed)+len(res2.Claimed) != 1 {
		t.Errorf("expected exactly one claim across overlapping passes, got %d and %d", len(res1.Claimed), len(res2.Claimed))
	}

	e, _ := s.GetEnrollment("e1")
	if e.CurrentStepIndex != 1 {
		t.Errorf("expected index 1, got %d", e.CurrentStepIndex)
	}
}

func TestProcessDueLateRunStillExactlyOnce(t *testing.T) {
	// A step due three hours ago is claimed once, not skipped and not doubled.
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-3*time.Hour))
	sched := NewScheduler(s, r)

	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected one claim for the overdue step, got %d", len(res.Claimed))
	}
	if got := res.Claimed[0].DueAt; now.Sub(got) < 2*time.Hour {
		t.Errorf("expected due_at to reflect the original schedule, got %v", got)
	}
}

func TestProcessDueNotYetDue(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	def := recallDef(t, r)
	enroll(t, s, "e1", "sub1", def, now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	if _, err := sched.ProcessDue(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Step 1 has a three day offset from the advance; nothing new is due.
	res, err := sched.ProcessDue(context.Background(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 0 {
		t.Errorf("expected no claims before the offset elapses, got %d", len(res.Claimed))
	}

	e, _ := s.GetEnrollment("e1")
	if e.CurrentStepIndex != 1 {
		t.Errorf("expected index to stay at 1, got %d", e.CurrentStepIndex)
	}
}

func TestProcessDueCancelsOnOptOut(t *testing.T) {
	now := time.Now()
	sub := testSubject("sub1")
	s := newTestStore(t, sub)
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	sub.OptedOut = true
	if err := s.SaveSubject(sub); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}

	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 0 {
		t.Errorf("expected no claim for an opted-out subject, got %d", len(res.Claimed))
	}
	if res.Cancelled != 1 {
		t.Errorf("expected one cancellation, got %d", res.Cancelled)
	}

	e, _ := s.GetEnrollment("e1")
	if e.Status != models.EnrollmentStatusOptedOut {
		t.Errorf("expected enrollment status opted_out, got %s", e.Status)
	}
}

func TestProcessDueCancelsOnBooking(t *testing.T) {
	now := time.Now()
	sub := testSubject("sub1")
	s := newTestStore(t, sub)
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	sub.UpcomingBooked = true
	if err := s.SaveSubject(sub); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}

	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cancelled != 1 {
		t.Errorf("expected one cancellation, got %d", res.Cancelled)
	}
	e, _ := s.GetEnrollment("e1")
	if e.Status != models.EnrollmentStatusConverted {
		t.Errorf("expected enrollment status converted, got %s", e.Status)
	}
}

func TestProcessDueCompletesOnFinalStep(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewRegistry()
	def := models.SequenceDefinition{
		Name:     "one-shot",
		Version:  1,
		Category: models.CategoryRecall,
		Retry:    models.RetrySkip,
		Steps: []models.StepDefinition{
			{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "recall_due", Terminal: true},
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	enroll(t, s, "e1", "sub1", def, now.Add(-time.Minute))

	sched := NewScheduler(s, r)
	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 1 || res.Completed != 1 {
		t.Fatalf("expected one claim and one completion, got claimed=%d completed=%d", len(res.Claimed), res.Completed)
	}

	e, _ := s.GetEnrollment("e1")
	if e.Status != models.EnrollmentStatusCompleted {
		t.Errorf("expected enrollment completed, got %s", e.Status)
	}
}

func TestProcessDueRecoversLostAdvance(t *testing.T) {
	// Simulate a crash between claim and advance: the execution row exists but
	// the enrollment index still points at it.
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	def := recallDef(t, r)
	enroll(t, s, "e1", "sub1", def, now.Add(-time.Minute))

	se := models.StepExecution{
		ID:           "orphan",
		EnrollmentID: "e1",
		SubjectID:    "sub1",
		StepIndex:    0,
		Category:     models.CategoryRecall,
		Channel:      models.ChannelSMS,
		TemplateKey:  "recall_due",
		Status:       models.StepStatusDue,
		DueAt:        now.Add(-time.Minute),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if claimed, err := s.ClaimStepExecution(se); err != nil || !claimed {
		t.Fatalf("seed claim failed: claimed=%v err=%v", claimed, err)
	}

	sched := NewScheduler(s, r)
	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 0 {
		t.Errorf("expected recovery to reuse the orphaned claim, got %d new claims", len(res.Claimed))
	}

	e, _ := s.GetEnrollment("e1")
	if e.CurrentStepIndex != 1 {
		t.Errorf("expected recovery to advance the index to 1, got %d", e.CurrentStepIndex)
	}
}

func TestRetryNextCycleRegeneratesRejectedStep(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	def, err := r.ForCategory(models.CategoryMissedAppointment)
	if err != nil {
		t.Fatalf("ForCategory: %v", err)
	}
	enroll(t, s, "e1", "sub1", def, now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected one claim, got %d", len(res.Claimed))
	}
	id := res.Claimed[0].ID

	for _, move := range [][2]models.StepStatus{
		{models.StepStatusDue, models.StepStatusDrafted},
		{models.StepStatusDrafted, models.StepStatusQueuedForApproval},
		{models.StepStatusQueuedForApproval, models.StepStatusRejected},
	} {
		if ok, err := s.TransitionStepExecution(id, move[0], move[1], store.StepUpdate{}, now); err != nil || !ok {
			t.Fatalf("transition %s -> %s failed: ok=%v err=%v", move[0], move[1], ok, err)
		}
	}

	res, err = sched.ProcessDue(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 1 {
		t.Fatalf("expected one regenerated claim, got %d", len(res.Claimed))
	}
	if res.Claimed[0].StepIndex != 0 || res.Claimed[0].ID == id {
		t.Errorf("expected a fresh execution at the same index, got %+v", res.Claimed[0])
	}

	old, err := s.GetStepExecution(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !old.Superseded {
		t.Error("expected the rejected execution to be superseded")
	}
}

func TestRetrySkipLeavesRejectedStep(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, testSubject("sub1"))
	r := NewBuiltinRegistry()
	enroll(t, s, "e1", "sub1", recallDef(t, r), now.Add(-time.Minute))
	sched := NewScheduler(s, r)

	res, err := sched.ProcessDue(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := res.Claimed[0].ID
	for _, move := range [][2]models.StepStatus{
		{models.StepStatusDue, models.StepStatusDrafted},
		{models.StepStatusDrafted, models.StepStatusQueuedForApproval},
		{models.StepStatusQueuedForApproval, models.StepStatusRejected},
	} {
		if ok, err := s.TransitionStepExecution(id, move[0], move[1], store.StepUpdate{}, now); err != nil || !ok {
			t.Fatalf("transition failed: ok=%v err=%v", ok, err)
		}
	}

	res, err = sched.ProcessDue(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claimed) != 0 {
		t.Errorf("expected the skip policy to leave the rejection alone, got %d claims", len(res.Claimed))
	}
	old, _ := s.GetStepExecution(id)
	if old.Superseded {
		t.Error("expected the rejected execution to stay in place under skip")
	}
}

func TestRegistryVersioning(t *testing.T) {
	r := NewRegistry()
	v1 := models.SequenceDefinition{
		Name: "recall-standard", Version: 1, Category: models.CategoryRecall,
		Steps: []models.StepDefinition{{Channel: models.ChannelSMS, TemplateKey: "recall_due", Terminal: true}},
	}
	v2 := v1
	v2.Version = 2
	if err := r.Register(v1); err != nil {
		t.Fatalf("Register v1: %v", err)
	}
	if err := r.Register(v2); err != nil {
		t.Fatalf("Register v2: %v", err)
	}
	if err := r.Register(v1); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	def, err := r.ForCategory(models.CategoryRecall)
	if err != nil {
		t.Fatalf("ForCategory: %v", err)
	}
	if def.Version != 2 {
		t.Errorf("expected newest version for the category, got %d", def.Version)
	}

	def, err = r.Get("recall-standard", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Version != 1 {
		t.Errorf("expected pinned version 1, got %d", def.Version)
	}
}

func TestBuiltinDefinitionsCoverAllCategories(t *testing.T) {
	r := NewBuiltinRegistry()
	for _, cat := range models.AllCategories {
		def, err := r.ForCategory(cat)
		if err != nil {
			t.Errorf("no builtin definition for %s: %v", cat, err)
			continue
		}
		if len(def.Steps) == 0 {
			t.Errorf("builtin definition for %s has no steps", cat)
		}
		last := def.Steps[len(def.Steps)-1]
		if !last.Terminal {
			t.Errorf("builtin definition for %s does not end with a terminal step", cat)
		}
	}
}
