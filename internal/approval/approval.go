// Package approval is the human gate between drafting and sending. Every
// drafted message waits here; nothing is dispatched without an explicit
// approval, and stale queue entries expire instead of going out late.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

// DefaultExpiry is how long a queued draft waits for review before expiring.
const DefaultExpiry = 72 * time.Hour

// Opts holds configuration options for the Gate.
type Opts struct {
	// Expiry is the maximum queue age before a draft expires. Zero disables
	// expiry.
	Expiry time.Duration
}

// Option defines a configuration option for the Gate.
type Option func(*Opts)

// WithExpiry sets the queue expiry window.
func WithExpiry(d time.Duration) Option {
	return func(o *Opts) { o.Expiry = d }
}

// Gate queues drafted executions for review and records the reviewer's
// decision.
type Gate struct {
	st     store.Store
	expiry time.Duration
}

// NewGate creates a Gate with the default expiry unless overridden.
func NewGate(st store.Store, opts ...Option) *Gate {
	cfg := Opts{Expiry: DefaultExpiry}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gate{st: st, expiry: cfg.Expiry}
}

// QueueDrafted moves every drafted execution into the approval queue and
// returns how many were queued.
func (g *Gate) QueueDrafted(ctx context.Context) (int, error) {
	drafted, err := g.st.ListStepExecutionsByStatus(models.StepStatusDrafted)
	if err != nil {
		return 0, fmt.Errorf("failed to list drafted executions: %w", err)
	}

	queued := 0
	for _, se := range drafted {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		ok, err := g.st.TransitionStepExecution(se.ID, models.StepStatusDrafted, models.StepStatusQueuedForApproval, store.StepUpdate{}, time.Now())
		if err != nil {
			return queued, fmt.Errorf("failed to queue %s: %w", se.ID, err)
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		slog.Info("Gate.QueueDrafted queued drafts for review", "queued", queued)
	}
	return queued, nil
}

// Pending returns the executions currently waiting for review.
func (g *Gate) Pending(ctx context.Context) ([]models.StepExecution, error) {
	return g.st.ListStepExecutionsByStatus(models.StepStatusQueuedForApproval)
}

// Approve marks a queued execution as approved for sending.
func (g *Gate) Approve(ctx context.Context, id string) error {
	return g.decide(id, models.StepStatusApproved, "")
}

// Reject marks a queued execution as rejected. The reason is recorded on the
// execution.
func (g *Gate) Reject(ctx context.Context, id, reason string) error {
	return g.decide(id, models.StepStatusRejected, reason)
}

func (g *Gate) decide(id string, to models.StepStatus, reason string) error {
	se, err := g.st.GetStepExecution(id)
	if err != nil {
		return err
	}
	if se == nil {
		return fmt.Errorf("execution %s: %w", id, models.ErrStepNotFound)
	}
	ok, err := g.st.TransitionStepExecution(id, models.StepStatusQueuedForApproval, to, store.StepUpdate{ErrorMsg: reason}, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record decision for %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("execution %s is %s, not awaiting approval: %w", id, se.Status, models.ErrInvalidTransition)
	}
	slog.Info("Gate.decide recorded decision", "stepExecutionID", id, "decision", to)
	return nil
}

// ExpireStale expires queue entries older than the expiry window and returns
// how many expired. A zero window disables expiry.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if g.expiry <= 0 {
		return 0, nil
	}
	n, err := g.st.ExpireQueuedBefore(now.Add(-g.expiry), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale queue entries: %w", err)
	}
	if n > 0 {
		slog.Info("Gate.ExpireStale expired stale drafts", "expired", n)
	}
	return n, nil
}
