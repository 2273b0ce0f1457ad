// Package drafting renders outbound message bodies for claimed step
// executions. Templates come first; a generative fallback covers steps with no
// registered template. Drafting never sends anything.
package drafting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/practiceos/engage/internal/genai"
	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

// Provenance values recorded on drafted executions.
const (
	ProvenanceTemplate  = "template"
	ProvenanceGenerated = "generated"
)

// Opts holds configuration options for the Drafter.
type Opts struct {
	// PracticeName is substituted for {{practice_name}} in templates.
	PracticeName string
	// Templates maps template keys to bodies. Defaults to DefaultTemplates.
	Templates map[string]string
	// Generator drafts copy for steps with no template. Optional.
	Generator genai.Generator
}

// Option defines a configuration option for the Drafter.
type Option func(*Opts)

// WithPracticeName sets the practice name used in rendered templates.
func WithPracticeName(name string) Option {
	return func(o *Opts) { o.PracticeName = name }
}

// WithTemplates replaces the default template set.
func WithTemplates(templates map[string]string) Option {
	return func(o *Opts) { o.Templates = templates }
}

// WithGenerator sets the generative fallback for unknown template keys.
func WithGenerator(g genai.Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// Drafter renders message bodies for due step executions and records the
// outcome on the execution row.
type Drafter struct {
	st           store.Store
	templates    map[string]string
	generator    genai.Generator
	practiceName string
}

// NewDrafter creates a Drafter over the given store.
func NewDrafter(st store.Store, opts ...Option) *Drafter {
	cfg := Opts{
		PracticeName: "the practice",
		Templates:    DefaultTemplates(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Drafter{
		st:           st,
		templates:    cfg.Templates,
		generator:    cfg.Generator,
		practiceName: cfg.PracticeName,
	}
}

// Draft renders the body for a due execution and moves it to drafted. A
// missing contact address or unrenderable template moves it to failed and
// returns the cause.
func (d *Drafter) Draft(ctx context.Context, se models.StepExecution) (*models.DraftMessage, error) {
	sub, err := d.st.GetSubject(se.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subject %s: %w", se.SubjectID, err)
	}
	if sub == nil {
		d.fail(se, models.ErrSubjectNotFound.Error())
		return nil, fmt.Errorf("subject %s: %w", se.SubjectID, models.ErrSubjectNotFound)
	}

	to := contactFor(*sub, se.Channel)
	if to == "" {
		d.fail(se, models.ErrMissingContact.Error())
		return nil, fmt.Errorf("subject %s, channel %s: %w", sub.ID, se.Channel, models.ErrMissingContact)
	}

	body, provenance, err := d.render(ctx, *sub, se)
	if err != nil {
		d.fail(se, err.Error())
		return nil, err
	}

	ok, terr := d.st.TransitionStepExecution(se.ID, models.StepStatusDue, models.StepStatusDrafted, store.StepUpdate{
		Body:       body,
		Provenance: provenance,
	}, time.Now())
	if terr != nil {
		return nil, fmt.Errorf("failed to record draft for %s: %w", se.ID, terr)
	}
	if !ok {
		// Another invocation drafted it first; nothing more to do here.
		slog.Debug("Drafter.Draft lost the draft race", "stepExecutionID", se.ID)
		return nil, nil
	}

	slog.Info("Drafter.Draft drafted message", "stepExecutionID", se.ID, "subjectID", sub.ID, "channel", se.Channel, "provenance", provenance)
	return &models.DraftMessage{
		SubjectID:   sub.ID,
		Channel:     se.Channel,
		To:          to,
		TemplateKey: se.TemplateKey,
		Body:        body,
		Generated:   provenance == ProvenanceGenerated,
	}, nil
}

// render produces the body from the registered template, or from the
// generator when no template matches the key.
func (d *Drafter) render(ctx context.Context, sub models.Subject, se models.StepExecution) (string, string, error) {
	if tpl, ok := d.templates[se.TemplateKey]; ok {
		return d.substitute(tpl, sub), ProvenanceTemplate, nil
	}

	if d.generator == nil {
		return "", "", fmt.Errorf("template key %q: %w", se.TemplateKey, models.ErrUnknownTemplate)
	}

	system := fmt.Sprintf("You write short, warm outreach messages for %s, a dental practice. "+
		"One or two sentences, no emojis, no pricing, end with a gentle call to book.", d.practiceName)
	user := fmt.Sprintf("Write a %s message to %s for the %q campaign (step %d).",
		se.Channel, sub.FirstName, se.Category, se.StepIndex+1)
	body, err := d.generator.GenerateWithSystemPrompt(ctx, system, user)
	if err != nil {
		return "", "", fmt.Errorf("generation failed for %q: %w", se.TemplateKey, err)
	}
	return body, ProvenanceGenerated, nil
}

func (d *Drafter) substitute(tpl string, sub models.Subject) string {
	r := strings.NewReplacer(
		"{{first_name}}", sub.FirstName,
		"{{last_name}}", sub.LastName,
		"{{practice_name}}", d.practiceName,
	)
	return r.Replace(tpl)
}

// fail moves a due execution to failed with the cause. Best effort; a guard
// mismatch means someone else resolved it first.
func (d *Drafter) fail(se models.StepExecution, reason string) {
	ok, err := d.st.TransitionStepExecution(se.ID, models.StepStatusDue, models.StepStatusFailed, store.StepUpdate{
		ErrorMsg: reason,
	}, time.Now())
	if err != nil || !ok {
		slog.Warn("Drafter.fail could not record failure", "stepExecutionID", se.ID, "ok", ok, "error", err)
	}
}

// contactFor returns the subject's address for the channel, or empty when the
// subject has none.
func contactFor(sub models.Subject, ch models.Channel) string {
	switch ch {
	case models.ChannelSMS:
		return sub.Phone
	case models.ChannelEmail:
		return sub.Email
	default:
		return ""
	}
}

// DefaultTemplates returns the stock template bodies keyed by template key.
func DefaultTemplates() map[string]string {
	return map[string]string{
		"recall_due":         "Hi {{first_name}}, it's been a while since your last visit to {{practice_name}}. It's time for your routine check-up. Reply or call us to book a time that suits you.",
		"recall_reminder":    "Hi {{first_name}}, just a friendly reminder from {{practice_name}} that you're due for a check-up. We'd love to see you soon.",
		"recall_final":       "Hi {{first_name}}, this is our last reminder about your overdue check-up at {{practice_name}}. Book any time, we'll keep a spot for you.",
		"treatment_checkin":  "Hi {{first_name}}, checking in from {{practice_name}} about the treatment we discussed at your last visit. Happy to answer any questions before you book.",
		"treatment_reminder": "Hi {{first_name}}, your treatment plan at {{practice_name}} is still open. Let us know when you'd like to get it finished.",
		"missed_reschedule":  "Hi {{first_name}}, sorry we missed you at your appointment. Would you like to pick a new time at {{practice_name}}?",
		"missed_followup":    "Hi {{first_name}}, we still have your spot open at {{practice_name}}. Reply with a day that works and we'll reschedule you.",
		"lapsed_hello":       "Hi {{first_name}}, it's been a long time since we've seen you at {{practice_name}}. We'd love to welcome you back for a check-up.",
		"lapsed_offer":       "Hi {{first_name}}, as a returning patient of {{practice_name}} you can book a comprehensive check-up at your convenience. We'd love to see you again.",
		"lapsed_final":       "Hi {{first_name}}, we're keeping your records ready at {{practice_name}} whenever you'd like to come back. Just reply to this message to book.",
		"lead_welcome":       "Hi {{first_name}}, thanks for reaching out to {{practice_name}}! We'd love to help. Would you like to book a first visit?",
		"lead_info":          "Hi {{first_name}}, here's a little more about {{practice_name}} and what to expect at a first visit. Reply any time with questions.",
		"lead_checkin":       "Hi {{first_name}}, just checking in from {{practice_name}}. Still happy to find you a convenient first appointment.",
		"lead_final":         "Hi {{first_name}}, we'll leave you be after this one! If you'd ever like to visit {{practice_name}}, we're a message away.",
	}
}
