// Package sequence holds campaign sequence definitions and the scheduler that
// advances enrollments through their timed steps.
package sequence

import (
	"fmt"
	"sync"
	"time"

	"github.com/practiceos/engage/internal/models"
)

// Registry holds the known sequence definitions. Definitions are immutable
// once registered; a change ships as a new version and running enrollments
// keep the version they started on.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]models.SequenceDefinition // keyed by name@version
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]models.SequenceDefinition)}
}

// NewBuiltinRegistry creates a Registry pre-loaded with the built-in
// definitions for every trigger category.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, def := range BuiltinDefinitions() {
		// Built-ins are validated by their tests; registration cannot fail.
		_ = r.Register(def)
	}
	return r
}

func defKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// Register adds a definition to the registry. Registering the same name and
// version twice is an error.
func (r *Registry) Register(def models.SequenceDefinition) error {
	if def.Name == "" || def.Version <= 0 {
		return fmt.Errorf("sequence definition needs a name and positive version")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("sequence %s: %w", def.Name, models.ErrSequenceUndefined)
	}
	if !models.IsValidTriggerCategory(def.Category) {
		return fmt.Errorf("sequence %s has unknown category %q", def.Name, def.Category)
	}
	if def.Retry == "" {
		def.Retry = models.RetrySkip
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := defKey(def.Name, def.Version)
	if _, exists := r.defs[key]; exists {
		return fmt.Errorf("sequence %s version %d already registered", def.Name, def.Version)
	}
	r.defs[key] = def
	return nil
}

// Get returns the definition for the given name and version.
func (r *Registry) Get(name string, version int) (models.SequenceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[defKey(name, version)]
	if !ok {
		return models.SequenceDefinition{}, fmt.Errorf("sequence %s version %d: %w", name, version, models.ErrSequenceUndefined)
	}
	return def, nil
}

// ForCategory returns the newest registered definition for the category.
func (r *Registry) ForCategory(category models.TriggerCategory) (models.SequenceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best models.SequenceDefinition
	found := false
	for _, def := range r.defs {
		if def.Category != category {
			continue
		}
		if !found || def.Version > best.Version {
			best = def
			found = true
		}
	}
	if !found {
		return models.SequenceDefinition{}, fmt.Errorf("category %s: %w", category, models.ErrSequenceUndefined)
	}
	return best, nil
}

// BuiltinDefinitions returns the stock sequence for each trigger category.
// Offsets are relative to the previous step (or to enrollment for step zero).
func BuiltinDefinitions() []models.SequenceDefinition {
	day := 24 * time.Hour
	return []models.SequenceDefinition{
		{
			Name:     "recall-standard",
			Version:  1,
			Category: models.CategoryRecall,
			Retry:    models.RetrySkip,
			Steps: []models.StepDefinition{
				{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "recall_due"},
				{Offset: 3 * day, Channel: models.ChannelSMS, TemplateKey: "recall_reminder"},
				{Offset: 7 * day, Channel: models.ChannelEmail, TemplateKey: "recall_final", Terminal: true},
			},
		},
		{
			Name:     "treatment-followup",
			Version:  1,
			Category: models.CategoryIncompleteTreatment,
			Retry:    models.RetrySkip,
			Steps: []models.StepDefinition{
				{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "treatment_checkin"},
				{Offset: 4 * day, Channel: models.ChannelSMS, TemplateKey: "treatment_reminder", Terminal: true},
			},
		},
		{
			Name:     "missed-appointment-recovery",
			Version:  1,
			Category: models.CategoryMissedAppointment,
			Retry:    models.RetryNextCycle,
			Steps: []models.StepDefinition{
				{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "missed_reschedule"},
				{Offset: 2 * day, Channel: models.ChannelSMS, TemplateKey: "missed_followup", Terminal: true},
			},
		},
		{
			Name:     "lapsed-reactivation",
			Version:  1,
			Category: models.CategoryLapsed,
			Retry:    models.RetrySkip,
			Steps: []models.StepDefinition{
				{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "lapsed_hello"},
				{Offset: 5 * day, Channel: models.ChannelEmail, TemplateKey: "lapsed_offer"},
				{Offset: 14 * day, Channel: models.ChannelSMS, TemplateKey: "lapsed_final", Terminal: true},
			},
		},
		{
			Name:     "new-lead-nurture",
			Version:  1,
			Category: models.CategoryNewLead,
			Retry:    models.RetrySkip,
			Steps: []models.StepDefinition{
				{Offset: 0, Channel: models.ChannelSMS, TemplateKey: "lead_welcome"},
				{Offset: 1 * day, Channel: models.ChannelEmail, TemplateKey: "lead_info"},
				{Offset: 3 * day, Channel: models.ChannelSMS, TemplateKey: "lead_checkin"},
				{Offset: 7 * day, Channel: models.ChannelSMS, TemplateKey: "lead_final", Terminal: true},
			},
		},
	}
}
