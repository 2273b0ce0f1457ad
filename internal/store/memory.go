// Package store provides storage backends for the engagement engine.
//
// This file implements an in-memory store used by tests. It honors the same
// row-scoped conditional-write semantics as the SQL backends under a mutex.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/practiceos/engage/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all engine state in process memory.
type InMemoryStore struct {
	mu          sync.Mutex
	subjects    map[string]models.Subject
	enrollments map[string]models.Enrollment
	steps       map[string]models.StepExecution
	logs        []models.ExecutionLogEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subjects:    make(map[string]models.Subject),
		enrollments: make(map[string]models.Enrollment),
		steps:       make(map[string]models.StepExecution),
	}
}

func (s *InMemoryStore) SaveSubject(sub models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
	return nil
}

func (s *InMemoryStore) GetSubject(id string) (*models.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *InMemoryStore) ListSubjects() ([]models.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CreateEnrollmentIfAbsent(e models.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.SubjectID == e.SubjectID && existing.Category == e.Category &&
			existing.Status == models.EnrollmentStatusActive {
			return false, nil
		}
	}
	s.enrollments[e.ID] = e
	return true, nil
}

func (s *InMemoryStore) GetEnrollment(id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) ListActiveEnrollments() ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Enrollment
	for _, e := range s.enrollments {
		if e.Status == models.EnrollmentStatusActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AdvanceEnrollment(id string, fromIndex int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusActive || e.CurrentStepIndex != fromIndex {
		return false, nil
	}
	e.CurrentStepIndex = fromIndex + 1
	advanced := at
	e.LastAdvancedAt = &advanced
	s.enrollments[id] = e
	return true, nil
}

func (s *InMemoryStore) ResolveEnrollment(id string, from, to models.EnrollmentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	resolved := at
	e.ResolvedAt = &resolved
	s.enrollments[id] = e
	return true, nil
}

func (s *InMemoryStore) ClaimStepExecution(se models.StepExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps {
		if existing.EnrollmentID == se.EnrollmentID && existing.StepIndex == se.StepIndex && !existing.Superseded {
			return false, nil
		}
	}
	s.steps[se.ID] = se
	return true, nil
}

func (s *InMemoryStore) GetStepExecution(id string) (*models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.steps[id]
	if !ok {
		return nil, nil
	}
	return &se, nil
}

func (s *InMemoryStore) OpenStepExecution(enrollmentID string, stepIndex int) (*models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, se := range s.steps {
		if se.EnrollmentID == enrollmentID && se.StepIndex == stepIndex && !se.Superseded {
			out := se
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListStepExecutionsByStatus(status models.StepStatus) ([]models.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StepExecution
	for _, se := range s.steps {
		if se.Status == status && !se.Superseded {
			out = append(out, se)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) TransitionStepExecution(id string, from, to models.StepStatus, upd StepUpdate, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.steps[id]
	if !ok || se.Status != from {
		return false, nil
	}
	se.Status = to
	se.UpdatedAt = at
	if upd.Body != "" {
		se.Body = upd.Body
	}
	if upd.Provenance != "" {
		se.Provenance = upd.Provenance
	}
	if upd.ErrorMsg != "" {
		se.ErrorMsg = upd.ErrorMsg
	}
	if to == models.StepStatusQueuedForApproval {
		queued := at
		se.QueuedAt = &queued
	}
	if models.IsTerminalStepStatus(to) {
		resolved := at
		se.ResolvedAt = &resolved
	}
	s.steps[id] = se
	return true, nil
}

func (s *InMemoryStore) SupersedeStepExecution(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.steps[id]
	if !ok || se.Superseded || !models.IsTerminalStepStatus(se.Status) {
		return false, nil
	}
	se.Superseded = true
	s.steps[id] = se
	return true, nil
}

func (s *InMemoryStore) ExpireQueuedBefore(cutoff, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, se := range s.steps {
		if se.Status == models.StepStatusQueuedForApproval && se.QueuedAt != nil && se.QueuedAt.Before(cutoff) {
			se.Status = models.StepStatusExpired
			se.UpdatedAt = at
			resolved := at
			se.ResolvedAt = &resolved
			s.steps[id] = se
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) AppendExecutionLog(entry models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *InMemoryStore) ListExecutionLogs(limit int) ([]models.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}
	out := make([]models.ExecutionLogEntry, 0, limit)
	// Newest first.
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
