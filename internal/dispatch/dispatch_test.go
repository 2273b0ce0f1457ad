package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
	"github.com/practiceos/engage/internal/twiliosms"
)

func approvedStep(t *testing.T, s store.Store, id string, ch models.Channel, body string) {
	t.Helper()
	now := time.Now()
	se := models.StepExecution{
		ID:           id,
		EnrollmentID: "e-" + id,
		SubjectID:    "sub1",
		StepIndex:    0,
		Category:     models.CategoryRecall,
		Channel:      ch,
		TemplateKey:  "recall_due",
		Status:       models.StepStatusDue,
		DueAt:        now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if claimed, err := s.ClaimStepExecution(se); err != nil || !claimed {
		t.Fatalf("seed claim failed: claimed=%v err=%v", claimed, err)
	}
	for _, move := range [][2]models.StepStatus{
		{models.StepStatusDue, models.StepStatusDrafted},
		{models.StepStatusDrafted, models.StepStatusQueuedForApproval},
		{models.StepStatusQueuedForApproval, models.StepStatusApproved},
	} {
		upd := store.StepUpdate{}
		if move[1] == models.StepStatusDrafted {
			upd.Body = body
		}
		if ok, err := s.TransitionStepExecution(id, move[0], move[1], upd, now); err != nil || !ok {
			t.Fatalf("seed transition %s -> %s failed: ok=%v err=%v", move[0], move[1], ok, err)
		}
	}
}

func saveSubject(t *testing.T, s store.Store, sub models.Subject) {
	t.Helper()
	if err := s.SaveSubject(sub); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
}

func testSubject() models.Subject {
	return models.Subject{
		ID:        "sub1",
		Kind:      models.SubjectKindPatient,
		FirstName: "Dana",
		Phone:     "+15551230000",
		Email:     "dana@example.com",
		Status:    models.SubjectStatusActive,
		CreatedAt: time.Now(),
	}
}

func TestDeliverSendsApproved(t *testing.T) {
	s := store.NewInMemoryStore()
	saveSubject(t, s, testSubject())
	approvedStep(t, s, "s1", models.ChannelSMS, "Hi Dana, time for a check-up.")

	mock := twiliosms.NewMockClient()
	svc := NewService(s, WithSender(models.ChannelSMS, mock))
	res, err := svc.Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("expected one send, got %+v", res)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15551230000" {
		t.Errorf("expected the SMS to target the phone, got %q", mock.SentMessages[0].To)
	}
	if mock.SentMessages[0].Body != "Hi Dana, time for a check-up." {
		t.Errorf("expected the approved body, got %q", mock.SentMessages[0].Body)
	}

	se, _ := s.GetStepExecution("s1")
	if se.Status != models.StepStatusSent {
		t.Errorf("expected status sent, got %s", se.Status)
	}
}

func TestDeliverIgnoresUnapproved(t *testing.T) {
	s := store.NewInMemoryStore()
	saveSubject(t, s, testSubject())
	now := time.Now()
	se := models.StepExecution{
		ID: "s1", EnrollmentID: "e1", SubjectID: "sub1", StepIndex: 0,
		Category: models.CategoryRecall, Channel: models.ChannelSMS,
		Status: models.StepStatusDue, DueAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if claimed, err := s.ClaimStepExecution(se); err != nil || !claimed {
		t.Fatalf("seed claim failed: claimed=%v err=%v", claimed, err)
	}

	mock := twiliosms.NewMockClient()
	res, err := NewService(s, WithSender(models.ChannelSMS, mock)).Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 || len(mock.SentMessages) != 0 {
		t.Errorf("expected nothing to send without approval, got %+v", res)
	}
}

func TestDeliverFailureRecordedWithoutRetry(t *testing.T) {
	s := store.NewInMemoryStore()
	saveSubject(t, s, testSubject())
	approvedStep(t, s, "s1", models.ChannelSMS, "Hi Dana")

	mock := twiliosms.NewMockClient()
	mock.Err = errors.New("carrier rejected")
	svc := NewService(s, WithSender(models.ChannelSMS, mock))
	res, err := svc.Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", res)
	}

	se, _ := s.GetStepExecution("s1")
	if se.Status != models.StepStatusFailed {
		t.Errorf("expected status failed, got %s", se.Status)
	}
	if se.ErrorMsg == "" {
		t.Error("expected the failure reason to be recorded")
	}

	// A second pass does not retry the failed execution.
	mock.Err = nil
	res, err = svc.Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 || len(mock.SentMessages) != 0 {
		t.Errorf("expected no automatic retry, got %+v", res)
	}
}

func TestDeliverHonorsLateOptOut(t *testing.T) {
	s := store.NewInMemoryStore()
	sub := testSubject()
	saveSubject(t, s, sub)
	approvedStep(t, s, "s1", models.ChannelSMS, "Hi Dana")

	sub.OptedOut = true
	saveSubject(t, s, sub)

	mock := twiliosms.NewMockClient()
	res, err := NewService(s, WithSender(models.ChannelSMS, mock)).Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 || len(mock.SentMessages) != 0 {
		t.Fatalf("expected the opt-out to block the send, got %+v", res)
	}
	se, _ := s.GetStepExecution("s1")
	if se.Status != models.StepStatusFailed {
		t.Errorf("expected status failed, got %s", se.Status)
	}
}

func TestDeliverSkipsChannelsWithoutSender(t *testing.T) {
	s := store.NewInMemoryStore()
	saveSubject(t, s, testSubject())
	approvedStep(t, s, "s1", models.ChannelEmail, "Hi Dana")

	res, err := NewService(s).Deliver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected the email step to be skipped, got %+v", res)
	}
	se, _ := s.GetStepExecution("s1")
	if se.Status != models.StepStatusApproved {
		t.Errorf("expected the step to stay approved, got %s", se.Status)
	}
}
