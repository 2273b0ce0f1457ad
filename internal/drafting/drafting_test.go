package drafting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

type fakeGenerator struct {
	body string
	err  error
	sys  string
	user string
}

func (f *fakeGenerator) GenerateWithSystemPrompt(_ context.Context, system, user string) (string, error) {
	f.sys = system
	f.user = user
	return f.body, f.err
}

func seedStep(t *testing.T, s store.Store, se models.StepExecution) models.StepExecution {
	t.Helper()
	if claimed, err := s.ClaimStepExecution(se); err != nil || !claimed {
		t.Fatalf("seed claim failed: claimed=%v err=%v", claimed, err)
	}
	return se
}

func dueStep(id, templateKey string, ch models.Channel) models.StepExecution {
	now := time.Now()
	return models.StepExecution{
		ID:           id,
		EnrollmentID: "e1",
		SubjectID:    "sub1",
		StepIndex:    0,
		Category:     models.CategoryRecall,
		Channel:      ch,
		TemplateKey:  templateKey,
		Status:       models.StepStatusDue,
		DueAt:        now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func subject() models.Subject {
	return models.Subject{
		ID:        "sub1",
		Kind:      models.SubjectKindPatient,
		FirstName: "Dana",
		LastName:  "Reyes",
		Phone:     "+15551230000",
		Email:     "dana@example.com",
		Status:    models.SubjectStatusActive,
		CreatedAt: time.Now(),
	}
}

func TestDraftFromTemplate(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "recall_due", models.ChannelSMS))

	d := NewDrafter(s, WithPracticeName("Smile Dental"))
	msg, err := d.Draft(context.Background(), se)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a draft message")
	}
	if msg.To != "+15551230000" {
		t.Errorf("expected the SMS draft to target the phone, got %q", msg.To)
	}
	if !strings.Contains(msg.Body, "Dana") || !strings.Contains(msg.Body, "Smile Dental") {
		t.Errorf("expected placeholders to be substituted, got %q", msg.Body)
	}
	if strings.Contains(msg.Body, "{{") {
		t.Errorf("unreplaced placeholder in body %q", msg.Body)
	}
	if msg.Generated {
		t.Error("expected a template draft, not a generated one")
	}

	got, err := s.GetStepExecution("s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StepStatusDrafted {
		t.Errorf("expected status drafted, got %s", got.Status)
	}
	if got.Provenance != ProvenanceTemplate {
		t.Errorf("expected template provenance, got %q", got.Provenance)
	}
	if got.Body != msg.Body {
		t.Error("expected the drafted body to be recorded on the execution")
	}
}

func TestDraftEmailUsesEmailAddress(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "recall_final", models.ChannelEmail))

	msg, err := NewDrafter(s).Draft(context.Background(), se)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.To != "dana@example.com" {
		t.Errorf("expected the email draft to target the email address, got %q", msg.To)
	}
}

func TestDraftMissingContactFails(t *testing.T) {
	s := store.NewInMemoryStore()
	sub := subject()
	sub.Phone = ""
	if err := s.SaveSubject(sub); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "recall_due", models.ChannelSMS))

	_, err := NewDrafter(s).Draft(context.Background(), se)
	if !errors.Is(err, models.ErrMissingContact) {
		t.Fatalf("expected ErrMissingContact, got %v", err)
	}

	got, _ := s.GetStepExecution("s1")
	if got.Status != models.StepStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.ErrorMsg == "" {
		t.Error("expected the failure reason to be recorded")
	}
}

func TestDraftUnknownTemplateWithoutGeneratorFails(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "no_such_key", models.ChannelSMS))

	_, err := NewDrafter(s).Draft(context.Background(), se)
	if !errors.Is(err, models.ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
	got, _ := s.GetStepExecution("s1")
	if got.Status != models.StepStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
}

func TestDraftUnknownTemplateFallsBackToGenerator(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "no_such_key", models.ChannelSMS))

	gen := &fakeGenerator{body: "Hi Dana, we'd love to see you for a check-up."}
	d := NewDrafter(s, WithGenerator(gen), WithPracticeName("Smile Dental"))
	msg, err := d.Draft(context.Background(), se)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Generated {
		t.Error("expected a generated draft")
	}
	if msg.Body != gen.body {
		t.Errorf("expected the generated body, got %q", msg.Body)
	}
	if !strings.Contains(gen.sys, "Smile Dental") {
		t.Errorf("expected the system prompt to carry the practice name, got %q", gen.sys)
	}

	got, _ := s.GetStepExecution("s1")
	if got.Status != models.StepStatusDrafted {
		t.Errorf("expected status drafted, got %s", got.Status)
	}
	if got.Provenance != ProvenanceGenerated {
		t.Errorf("expected generated provenance, got %q", got.Provenance)
	}
}

func TestDraftGeneratorErrorFails(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "no_such_key", models.ChannelSMS))

	gen := &fakeGenerator{err: errors.New("model unavailable")}
	if _, err := NewDrafter(s, WithGenerator(gen)).Draft(context.Background(), se); err == nil {
		t.Fatal("expected an error when generation fails")
	}
	got, _ := s.GetStepExecution("s1")
	if got.Status != models.StepStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
}

func TestDraftLostRaceIsBenign(t *testing.T) {
	s := store.NewInMemoryStore()
	if err := s.SaveSubject(subject()); err != nil {
		t.Fatalf("SaveSubject: %v", err)
	}
	se := seedStep(t, s, dueStep("s1", "recall_due", models.ChannelSMS))

	// A concurrent invocation drafts first.
	if ok, err := s.TransitionStepExecution("s1", models.StepStatusDue, models.StepStatusDrafted, store.StepUpdate{Body: "x", Provenance: ProvenanceTemplate}, time.Now()); err != nil || !ok {
		t.Fatalf("seed transition failed: ok=%v err=%v", ok, err)
	}

	msg, err := NewDrafter(s).Draft(context.Background(), se)
	if err != nil {
		t.Fatalf("expected a lost race to be benign, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected no message on a lost race, got %+v", msg)
	}
}

func TestDefaultTemplatesCoverBuiltinKeys(t *testing.T) {
	templates := DefaultTemplates()
	for key, body := range templates {
		if body == "" {
			t.Errorf("template %q is empty", key)
		}
		if !strings.Contains(body, "{{first_name}}") {
			t.Errorf("template %q does not address the subject by name", key)
		}
	}
}
