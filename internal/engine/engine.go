// Package engine orchestrates one full invocation of the engagement pipeline:
// scan, enroll, advance, draft, queue for approval, deliver approved, expire
// stale, and append the audit entry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/approval"
	"github.com/practiceos/engage/internal/dispatch"
	"github.com/practiceos/engage/internal/drafting"
	"github.com/practiceos/engage/internal/eligibility"
	"github.com/practiceos/engage/internal/enrollment"
	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/sequence"
	"github.com/practiceos/engage/internal/store"
	"github.com/practiceos/engage/internal/util"
)

// Components are the services an Engine coordinates.
type Components struct {
	Store      store.Store
	Scanner    *eligibility.Scanner
	Enroller   *enrollment.Service
	Registry   *sequence.Registry
	Scheduler  *sequence.Scheduler
	Drafter    *drafting.Drafter
	Gate       *approval.Gate
	Dispatcher *dispatch.Service
}

// Engine runs the pipeline. It holds no per-run state; all cross-invocation
// coordination lives in the store, so overlapping runs are safe.
type Engine struct {
	c Components
}

// New creates an Engine from its components.
func New(c Components) *Engine {
	return &Engine{c: c}
}

// Run executes one pipeline pass over the given categories (all categories
// when none are given) and returns the run summary. A failure on one subject
// never aborts the rest; those errors are collected into the audit entry. A
// store-level failure is different: nothing useful can proceed without the
// store, so it fails the whole invocation with an error and the caller sees a
// hard failure status.
func (e *Engine) Run(ctx context.Context, categories ...models.TriggerCategory) (models.RunSummary, error) {
	startedAt := time.Now()
	if len(categories) == 0 {
		categories = models.AllCategories
	}

	var (
		summary models.RunSummary
		entry   models.ExecutionLogEntry
	)
	summary.Categories = make(map[models.TriggerCategory]int)

	for _, cat := range categories {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		scanned, enrolled, errs, err := e.runCategory(ctx, startedAt, cat)
		if err != nil {
			return summary, fmt.Errorf("scan %s: %w", cat, err)
		}
		entry.Scanned += scanned
		summary.Enrolled += enrolled
		if enrolled > 0 {
			summary.Categories[cat] += enrolled
		}
		entry.Errors = append(entry.Errors, errs...)
	}

	res, err := e.c.Scheduler.ProcessDue(ctx, startedAt)
	if err != nil {
		return summary, fmt.Errorf("process due: %w", err)
	}
	entry.Errors = append(entry.Errors, res.Errors...)
	summary.Processed = len(res.Claimed)
	summary.Completed = res.Completed

	// Draft everything sitting in "due", not just this pass's claims, so a
	// step claimed by an invocation that died before drafting is picked up
	// here instead of being stranded. The due -> drafted status guard keeps
	// overlapping sweeps from drafting the same execution twice.
	due, err := e.c.Store.ListStepExecutionsByStatus(models.StepStatusDue)
	if err != nil {
		return summary, fmt.Errorf("list due executions: %w", err)
	}
	for _, se := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, err := e.c.Drafter.Draft(ctx, se); err != nil {
			entry.Errors = append(entry.Errors, fmt.Sprintf("draft %s: %v", se.ID, err))
		}
	}

	if _, err := e.c.Gate.QueueDrafted(ctx); err != nil {
		return summary, fmt.Errorf("queue drafted: %w", err)
	}

	if _, err := e.c.Dispatcher.Deliver(ctx); err != nil {
		return summary, fmt.Errorf("deliver approved: %w", err)
	}

	expired, err := e.c.Gate.ExpireStale(ctx, startedAt)
	if err != nil {
		return summary, fmt.Errorf("expire stale: %w", err)
	}
	summary.Expired = expired
	summary.Errors = len(entry.Errors)

	entry.ID = util.GenerateRunID()
	entry.StartedAt = startedAt
	entry.FinishedAt = time.Now()
	entry.NewlyEnrolled = summary.Enrolled
	entry.StepsProcessed = summary.Processed
	entry.StepsCompleted = summary.Completed
	entry.Expired = expired
	entry.ByCategory = summary.Categories
	if err := e.c.Store.AppendExecutionLog(entry); err != nil {
		slog.Error("Engine.Run failed to append audit entry", "runID", entry.ID, "error", err)
	}

	slog.Info("Engine.Run complete",
		"runID", entry.ID,
		"enrolled", summary.Enrolled,
		"processed", summary.Processed,
		"completed", summary.Completed,
		"expired", summary.Expired,
		"errors", summary.Errors)
	return summary, nil
}

// runCategory scans one category and enrolls its candidates. A scan failure is
// a store fault and comes back as err; per-candidate enrollment failures are
// collected in errs.
func (e *Engine) runCategory(ctx context.Context, now time.Time, cat models.TriggerCategory) (scanned, enrolled int, errs []string, err error) {
	candidates, err := e.c.Scanner.Scan(ctx, now, cat)
	if err != nil {
		return 0, 0, nil, err
	}
	scanned = len(candidates)
	if scanned == 0 {
		return 0, 0, nil, nil
	}

	def, err := e.c.Registry.ForCategory(cat)
	if err != nil {
		return scanned, 0, []string{fmt.Sprintf("category %s: %v", cat, err)}, nil
	}

	for _, cand := range candidates {
		if cerr := ctx.Err(); cerr != nil {
			return scanned, enrolled, errs, cerr
		}
		_, already, err := e.c.Enroller.Enroll(ctx, cand.SubjectID, def, cand.Reason)
		if err != nil {
			errs = append(errs, fmt.Sprintf("enroll %s in %s: %v", cand.SubjectID, cat, err))
			continue
		}
		if !already {
			enrolled++
		}
	}
	return scanned, enrolled, errs, nil
}
