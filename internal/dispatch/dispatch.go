// Package dispatch delivers approved messages through channel senders. It only
// ever touches executions a reviewer approved; a failed send is recorded and
// never retried automatically.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

// Sender delivers one message body to one address.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the dispatch Service.
type Opts struct {
	Senders map[models.Channel]Sender
}

// Option defines a configuration option for the dispatch Service.
type Option func(*Opts)

// WithSender registers the sender for a channel.
func WithSender(ch models.Channel, s Sender) Option {
	return func(o *Opts) {
		if o.Senders == nil {
			o.Senders = make(map[models.Channel]Sender)
		}
		o.Senders[ch] = s
	}
}

// Service sends approved step executions.
type Service struct {
	st      store.Store
	senders map[models.Channel]Sender
}

// NewService creates a dispatch Service. Channels without a registered sender
// are left untouched at delivery time.
func NewService(st store.Store, opts ...Option) *Service {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Senders == nil {
		cfg.Senders = make(map[models.Channel]Sender)
	}
	return &Service{st: st, senders: cfg.Senders}
}

// Result summarizes one Deliver pass.
type Result struct {
	Sent   int
	Failed int
	// Skipped counts approved executions whose channel has no sender; they
	// stay approved and are picked up once a sender is configured.
	Skipped int
}

// Deliver sends every approved execution and records the outcome. One failed
// send never stops the pass.
func (s *Service) Deliver(ctx context.Context) (Result, error) {
	var res Result

	approved, err := s.st.ListStepExecutionsByStatus(models.StepStatusApproved)
	if err != nil {
		return res, fmt.Errorf("failed to list approved executions: %w", err)
	}

	for _, se := range approved {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.deliverOne(ctx, se, &res)
	}

	if res.Sent+res.Failed+res.Skipped > 0 {
		slog.Info("Service.Deliver complete", "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}

func (s *Service) deliverOne(ctx context.Context, se models.StepExecution, res *Result) {
	sender, ok := s.senders[se.Channel]
	if !ok {
		slog.Warn("Service.deliverOne no sender for channel", "stepExecutionID", se.ID, "channel", se.Channel)
		res.Skipped++
		return
	}

	sub, err := s.st.GetSubject(se.SubjectID)
	if err != nil {
		slog.Error("Service.deliverOne subject lookup failed", "stepExecutionID", se.ID, "error", err)
		res.Failed++
		s.fail(se.ID, fmt.Sprintf("subject lookup failed: %v", err))
		return
	}
	if sub == nil {
		res.Failed++
		s.fail(se.ID, models.ErrSubjectNotFound.Error())
		return
	}
	// An opt-out between approval and delivery always wins.
	if sub.OptedOut {
		res.Failed++
		s.fail(se.ID, "subject opted out before delivery")
		return
	}

	to := contactFor(*sub, se.Channel)
	if to == "" {
		res.Failed++
		s.fail(se.ID, models.ErrMissingContact.Error())
		return
	}

	if err := sender.SendMessage(ctx, to, se.Body); err != nil {
		slog.Error("Service.deliverOne send failed", "stepExecutionID", se.ID, "to", to, "error", err)
		res.Failed++
		s.fail(se.ID, fmt.Sprintf("send failed: %v", err))
		return
	}

	ok, err = s.st.TransitionStepExecution(se.ID, models.StepStatusApproved, models.StepStatusSent, store.StepUpdate{}, time.Now())
	if err != nil || !ok {
		// The send went out; a lost guard here only means another invocation
		// recorded it first.
		slog.Warn("Service.deliverOne could not record sent", "stepExecutionID", se.ID, "ok", ok, "error", err)
	}
	res.Sent++
	slog.Info("Service.deliverOne sent message", "stepExecutionID", se.ID, "subjectID", se.SubjectID, "channel", se.Channel)
}

func (s *Service) fail(id, reason string) {
	ok, err := s.st.TransitionStepExecution(id, models.StepStatusApproved, models.StepStatusFailed, store.StepUpdate{ErrorMsg: reason}, time.Now())
	if err != nil || !ok {
		slog.Warn("Service.fail could not record failure", "stepExecutionID", id, "ok", ok, "error", err)
	}
}

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
